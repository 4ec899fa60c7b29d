package pebble_test

import (
	"testing"

	"github.com/tallyhq/tallyd/internal/storage/kv"
	"github.com/tallyhq/tallyd/internal/storage/kv/kvtest"
	"github.com/tallyhq/tallyd/internal/storage/kv/pebble"
)

func TestPebbleContract(t *testing.T) {
	kvtest.RunContract(t, func(t *testing.T) kv.DB {
		db, err := pebble.Open(t.TempDir())
		if err != nil {
			t.Fatalf("open pebble: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	})
}
