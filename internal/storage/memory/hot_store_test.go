package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHotStoreExpiresEntries(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewHotStore(0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cache:https://example.com", []byte("<html>"), time.Hour))
	got, ok, err := store.Get(ctx, "cache:https://example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<html>", string(got))

	now = now.Add(time.Hour)
	_, ok, err = store.Get(ctx, "cache:https://example.com")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, store.Len())
}

func TestHotStoreEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	store := NewHotStore(2)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))
	_, _, _ = store.Get(ctx, "a")
	require.NoError(t, store.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ := store.Get(ctx, "b")
	require.False(t, ok)
	_, ok, _ = store.Get(ctx, "a")
	require.True(t, ok)
	_, ok, _ = store.Get(ctx, "c")
	require.True(t, ok)
}
