package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTripCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	uri, err := store.PutObject(ctx, "snapshots/abc.html", "text/html", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/abc.html", uri)

	got, ok, err := store.GetObject(ctx, "snapshots/abc.html")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "content", string(got))

	got[0] = 'C'
	again, _, err := store.GetObject(ctx, "snapshots/abc.html")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))

	_, ok, err = store.GetObject(ctx, "snapshots/missing.html")
	require.NoError(t, err)
	require.False(t, ok)
}
