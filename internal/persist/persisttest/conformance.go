// Package persisttest holds the behaviour every persist.Store backend must
// share, run from each backend's own tests.
package persisttest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-cognition/internal/persist"
)

// Run exercises s against the Store contract. s must start empty.
func Run(t *testing.T, s persist.Store) {
	t.Helper()

	t.Run("SaveLoadRoundTrip", func(t *testing.T) { saveLoad(t, s) })
	t.Run("LoadMissing", func(t *testing.T) { loadMissing(t, s) })
	t.Run("DeleteAndKeys", func(t *testing.T) { deleteAndKeys(t, s) })
	t.Run("TxCommit", func(t *testing.T) { txCommit(t, s) })
	t.Run("TxRollback", func(t *testing.T) { txRollback(t, s) })
	t.Run("Prefixed", func(t *testing.T) { prefixed(t, s) })
}

func saveLoad(t *testing.T, s persist.Store) {
	ctx := context.Background()
	created := time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC)
	tags, err := persist.EncodeBlob([]string{"a", "b"})
	require.NoError(t, err)

	rec := persist.Record{
		"content":    "first light",
		"importance": 0.25,
		"created_at": persist.FormatTime(created),
		"tags":       tags,
	}
	require.NoError(t, s.Save(ctx, persist.KindMemory, "rt-1", rec))

	got, err := s.Load(ctx, persist.KindMemory, "rt-1")
	require.NoError(t, err)
	require.Equal(t, "first light", got.String("content"))

	imp, err := got.Float("importance")
	require.NoError(t, err)
	require.Equal(t, 0.25, imp)

	ts, err := got.Time("created_at")
	require.NoError(t, err)
	require.True(t, ts.Equal(created), "got %v, want %v", ts, created)

	var decoded []string
	require.NoError(t, got.Blob("tags", &decoded))
	require.Equal(t, []string{"a", "b"}, decoded)

	// overwrite
	rec["importance"] = 0.5
	require.NoError(t, s.Save(ctx, persist.KindMemory, "rt-1", rec))
	got, err = s.Load(ctx, persist.KindMemory, "rt-1")
	require.NoError(t, err)
	imp, _ = got.Float("importance")
	require.Equal(t, 0.5, imp)

	require.NoError(t, s.Delete(ctx, persist.KindMemory, "rt-1"))
}

func loadMissing(t *testing.T, s persist.Store) {
	_, err := s.Load(context.Background(), persist.KindTraitBaseline, "missing")
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func deleteAndKeys(t *testing.T, s persist.Store) {
	ctx := context.Background()
	for _, id := range []string{"k-2", "k-1", "k-3"} {
		require.NoError(t, s.Save(ctx, persist.KindEmotionalState, id, persist.Record{"trigger": id}))
	}
	// same id in another kind must not leak
	require.NoError(t, s.Save(ctx, persist.KindTraitBaseline, "k-9", persist.Record{"name": "x"}))

	keys, err := s.Keys(ctx, persist.KindEmotionalState)
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"k-1", "k-2", "k-3"}, keys)

	require.NoError(t, s.Delete(ctx, persist.KindEmotionalState, "k-2"))
	require.NoError(t, s.Delete(ctx, persist.KindEmotionalState, "never-existed"))

	keys, err = s.Keys(ctx, persist.KindEmotionalState)
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"k-1", "k-3"}, keys)

	for _, id := range keys {
		require.NoError(t, s.Delete(ctx, persist.KindEmotionalState, id))
	}
	require.NoError(t, s.Delete(ctx, persist.KindTraitBaseline, "k-9"))
}

func txCommit(t *testing.T, s persist.Store) {
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Save(ctx, persist.KindTraitBaseline, "tx-a", persist.Record{"name": "a"}))
	require.NoError(t, tx.Save(ctx, persist.KindTraitBaseline, "tx-b", persist.Record{"name": "b"}))
	require.NoError(t, tx.Commit(ctx))

	for _, id := range []string{"tx-a", "tx-b"} {
		_, err := s.Load(ctx, persist.KindTraitBaseline, id)
		require.NoError(t, err, id)
		require.NoError(t, s.Delete(ctx, persist.KindTraitBaseline, id))
	}
}

func txRollback(t *testing.T, s persist.Store) {
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Save(ctx, persist.KindTraitBaseline, "rb-a", persist.Record{"name": "a"}))
	require.NoError(t, tx.Rollback(ctx))

	_, err = s.Load(ctx, persist.KindTraitBaseline, "rb-a")
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func prefixed(t *testing.T, s persist.Store) {
	ctx := context.Background()
	a := persist.Prefixed(s, "alpha")
	b := persist.Prefixed(s, "beta")

	require.NoError(t, a.Save(ctx, persist.KindMemory, "m1", persist.Record{"content": "from a"}))
	require.NoError(t, b.Save(ctx, persist.KindMemory, "m1", persist.Record{"content": "from b"}))

	got, err := a.Load(ctx, persist.KindMemory, "m1")
	require.NoError(t, err)
	require.Equal(t, "from a", got.String("content"))

	keys, err := b.Keys(ctx, persist.KindMemory)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, keys)

	tx, err := a.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Save(ctx, persist.KindMemory, "m2", persist.Record{"content": "tx"}))
	require.NoError(t, tx.Commit(ctx))
	_, err = s.Load(ctx, persist.KindMemory, "alpha:m2")
	require.NoError(t, err)

	for _, id := range []string{"alpha:m1", "alpha:m2", "beta:m1"} {
		require.NoError(t, s.Delete(ctx, persist.KindMemory, id))
	}
}
