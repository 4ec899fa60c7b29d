// Package storage selects and opens the configured kv backend.
package storage

import (
	"fmt"
	"path/filepath"

	"github.com/tallyhq/tallyd/internal/storage/kv"
	"github.com/tallyhq/tallyd/internal/storage/kv/leveldb"
	"github.com/tallyhq/tallyd/internal/storage/kv/pebble"
)

// Backend names accepted by OpenKV.
const (
	BackendPebble  = "pebble"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// OpenKV opens the key-value store named by backend under dir. The memory
// backend ignores dir and loses state on restart; it exists for tests and
// local experiments.
func OpenKV(backend, dir string) (kv.DB, error) {
	switch backend {
	case BackendPebble, "":
		return pebble.Open(filepath.Join(dir, "pebble"))
	case BackendLevelDB:
		return leveldb.Open(filepath.Join(dir, "leveldb"))
	case BackendMemory:
		return kv.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
