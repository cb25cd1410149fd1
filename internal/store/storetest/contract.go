// Package storetest runs one black-box contract test against any
// store.Database implementation, the same way the teacher's storage
// packages share fixtures through internal/testutil instead of duplicating
// assertions per backend.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/store"
)

// RunContract exercises Get/Put/Forget/List against db and asserts the
// invariants spec.md §3 and §8 require of every backend.
func RunContract(t *testing.T, db store.Database) {
	t.Helper()
	ctx := context.Background()

	fpA := fingerprint.FP("kindA\x00instance-a")
	fpB := fingerprint.FP("kindA\x00instance-b")
	fpC := fingerprint.FP("kindA\x00instance-c")

	t.Run("miss returns ok=false", func(t *testing.T) {
		_, ok, err := db.Get(ctx, fpA)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("put then get round-trips answer and deps in order", func(t *testing.T) {
		err := db.Put(ctx, fpA, []byte("answer-1"), []fingerprint.FP{fpB, fpC})
		require.NoError(t, err)

		entry, ok, err := db.Get(ctx, fpA)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("answer-1"), entry.Answer)
		require.Equal(t, []fingerprint.FP{fpB, fpC}, entry.Deps)
	})

	t.Run("put replaces both answer and deps atomically", func(t *testing.T) {
		err := db.Put(ctx, fpA, []byte("answer-2"), []fingerprint.FP{fpC})
		require.NoError(t, err)

		entry, ok, err := db.Get(ctx, fpA)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("answer-2"), entry.Answer)
		require.Equal(t, []fingerprint.FP{fpC}, entry.Deps)
	})

	t.Run("put with no deps clears previous deps", func(t *testing.T) {
		err := db.Put(ctx, fpA, []byte("answer-3"), nil)
		require.NoError(t, err)

		entry, ok, err := db.Get(ctx, fpA)
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, entry.Deps)
	})

	t.Run("forget removes the entry entirely", func(t *testing.T) {
		require.NoError(t, db.Put(ctx, fpB, []byte("b"), nil))
		require.NoError(t, db.Forget(ctx, fpB))

		_, ok, err := db.Get(ctx, fpB)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("forget of an absent entry is a no-op", func(t *testing.T) {
		require.NoError(t, db.Forget(ctx, fingerprint.FP("never-put")))
	})

	t.Run("list surfaces every persisted entry", func(t *testing.T) {
		require.NoError(t, db.Put(ctx, fpB, []byte("b-again"), []fingerprint.FP{fpA}))

		entries, err := db.List(ctx)
		require.NoError(t, err)

		byFP := make(map[fingerprint.FP]store.Entry, len(entries))
		for _, e := range entries {
			byFP[e.FP] = e
		}
		require.Contains(t, byFP, fpA)
		require.Contains(t, byFP, fpB)
		require.Equal(t, []fingerprint.FP{fpA}, byFP[fpB].Deps)
	})
}
