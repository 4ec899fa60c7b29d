// Package kvtest runs the shared conformance suite every kv backend must
// pass.
package kvtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tallyd/internal/storage/kv"
)

// Factory builds a fresh empty store for one test and registers cleanup on t.
type Factory func(t *testing.T) kv.DB

// RunContract exercises the kv.DB contract against the backend under test.
func RunContract(t *testing.T, factory Factory) {
	t.Run("ReadWriteDelete", func(t *testing.T) {
		db := factory(t)
		ctx := context.Background()

		_, err := db.Read(ctx, []byte("missing"))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)

		require.NoError(t, db.Write(ctx, []byte("k1"), []byte("v1")))
		got, err := db.Read(ctx, []byte("k1"))
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), got)

		require.NoError(t, db.Write(ctx, []byte("k1"), []byte("v2")))
		got, err = db.Read(ctx, []byte("k1"))
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), got)

		require.NoError(t, db.Delete(ctx, []byte("k1")))
		_, err = db.Read(ctx, []byte("k1"))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)

		// Deleting an absent key is not an error.
		require.NoError(t, db.Delete(ctx, []byte("k1")))
	})

	t.Run("BatchAtomicity", func(t *testing.T) {
		db := factory(t)
		ctx := context.Background()

		require.NoError(t, db.Write(ctx, []byte("drop"), []byte("x")))
		ops := []kv.BatchOperation{
			kv.Put([]byte("a"), []byte("1")),
			kv.Put([]byte("b"), []byte("2")),
			kv.Del([]byte("drop")),
		}
		require.NoError(t, db.Batch(ctx, ops))

		got, err := db.Read(ctx, []byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), got)
		got, err = db.Read(ctx, []byte("b"))
		require.NoError(t, err)
		require.Equal(t, []byte("2"), got)
		_, err = db.Read(ctx, []byte("drop"))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)
	})

	t.Run("IteratorRange", func(t *testing.T) {
		db := factory(t)
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("p|%03d", i)
			require.NoError(t, db.Write(ctx, []byte(key), []byte{byte(i)}))
		}
		require.NoError(t, db.Write(ctx, []byte("q|000"), []byte("other")))

		it, err := db.Iterator(ctx, []byte("p|003"), []byte("p|007"))
		require.NoError(t, err)
		defer it.Close()

		var keys []string
		for it.Next() {
			keys = append(keys, string(it.Key()))
		}
		require.NoError(t, it.Error())
		require.Equal(t, []string{"p|003", "p|004", "p|005", "p|006"}, keys)
	})

	t.Run("IteratorPrefix", func(t *testing.T) {
		db := factory(t)
		ctx := context.Background()

		require.NoError(t, db.Write(ctx, []byte("l|t1|a"), []byte("1")))
		require.NoError(t, db.Write(ctx, []byte("l|t1|b"), []byte("2")))
		require.NoError(t, db.Write(ctx, []byte("l|t2|a"), []byte("3")))

		prefix := []byte("l|t1|")
		it, err := db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
		require.NoError(t, err)
		defer it.Close()

		count := 0
		for it.Next() {
			count++
		}
		require.NoError(t, it.Error())
		require.Equal(t, 2, count)
	})

	t.Run("ValuesAreCopies", func(t *testing.T) {
		db := factory(t)
		ctx := context.Background()

		require.NoError(t, db.Write(ctx, []byte("k"), []byte("orig")))
		got, err := db.Read(ctx, []byte("k"))
		require.NoError(t, err)
		got[0] = 'X'

		again, err := db.Read(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("orig"), again)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		db := factory(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.Error(t, db.Write(ctx, []byte("k"), []byte("v")))
		_, err := db.Read(ctx, []byte("k"))
		require.Error(t, err)
	})
}
