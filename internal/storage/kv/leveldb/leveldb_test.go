package leveldb_test

import (
	"testing"

	"github.com/tallyhq/tallyd/internal/storage/kv"
	"github.com/tallyhq/tallyd/internal/storage/kv/kvtest"
	"github.com/tallyhq/tallyd/internal/storage/kv/leveldb"
)

func TestLevelDBContract(t *testing.T) {
	kvtest.RunContract(t, func(t *testing.T) kv.DB {
		db, err := leveldb.Open(t.TempDir())
		if err != nil {
			t.Fatalf("open leveldb: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	})
}
