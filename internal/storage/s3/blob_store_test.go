package s3

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Bucket: "snapshots"})
	require.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)

	store, err := New(Config{Endpoint: "localhost:9000", Bucket: "snapshots"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}

// TestRoundTrip runs against a live S3-compatible endpoint when configured.
func TestRoundTrip(t *testing.T) {
	endpoint := os.Getenv("PRERENDER_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("PRERENDER_TEST_S3_ENDPOINT not set")
	}
	store, err := New(Config{
		Endpoint:  endpoint,
		Bucket:    os.Getenv("PRERENDER_TEST_S3_BUCKET"),
		AccessKey: os.Getenv("PRERENDER_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("PRERENDER_TEST_S3_SECRET_KEY"),
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	path := "snapshots/" + uuid.NewString() + ".html"
	_, ok, err := store.GetObject(ctx, path)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.PutObject(ctx, path, "text/html", bytes.NewReader([]byte("<html></html>")))
	require.NoError(t, err)
	got, ok, err := store.GetObject(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<html></html>", string(got))
}
