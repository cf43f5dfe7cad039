package cache

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prerender/internal/render"
	"github.com/JakeFAU/prerender/internal/storage/memory"
)

func newTestManager(t *testing.T, hot render.HotStore, cold render.BlobStore, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(hot, cold, Config{HotTTL: time.Hour}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestStorageKeyIsHashOfNormalizedURL(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, memory.NewHotStore(0), memory.NewBlobStore())
	key := m.StorageKey("https://example.com?a=1&b=2")
	require.True(t, strings.HasPrefix(key, "snapshots/"))
	require.True(t, strings.HasSuffix(key, ".html"))
	require.Len(t, key, len("snapshots/")+64+len(".html"))
	require.Equal(t, key, m.StorageKey("https://example.com?a=1&b=2"))
	require.NotEqual(t, key, m.StorageKey("https://example.com?a=1&b=3"))
	require.Equal(t, "cache:https://example.com", HotKey("https://example.com"))
}

func TestStoreThenLookupHitsHotTier(t *testing.T) {
	t.Parallel()

	hot, cold := memory.NewHotStore(0), memory.NewBlobStore()
	m := newTestManager(t, hot, cold)
	ctx := context.Background()

	key, err := m.Store(ctx, "https://example.com", []byte("<html>a</html>"))
	require.NoError(t, err)
	require.Equal(t, m.StorageKey("https://example.com"), key)

	entry, ok := m.Lookup(ctx, "https://example.com")
	require.True(t, ok)
	require.Equal(t, render.CacheLocationHot, entry.Location)
	require.Equal(t, "<html>a</html>", string(entry.HTML))

	require.NoError(t, m.Close(ctx))
	stored, ok, err := cold.GetObject(ctx, key)
	require.NoError(t, err)
	require.True(t, ok, "cold write completes before Close returns")
	require.Equal(t, "<html>a</html>", string(stored))
}

func TestLookupFallsBackToColdAndPromotes(t *testing.T) {
	t.Parallel()

	hot, cold := memory.NewHotStore(0), memory.NewBlobStore()
	marker := &recordingMarker{}
	m := newTestManager(t, hot, cold, WithHotMarker(marker))
	ctx := context.Background()

	_, err := cold.PutObject(ctx, m.StorageKey("https://example.com/p"), "text/html", strings.NewReader("<html>cold</html>"))
	require.NoError(t, err)

	entry, ok := m.Lookup(ctx, "https://example.com/p")
	require.True(t, ok)
	require.Equal(t, render.CacheLocationCold, entry.Location)
	require.Equal(t, "<html>cold</html>", string(entry.HTML))

	require.Eventually(t, func() bool {
		_, ok, _ := hot.Get(ctx, HotKey("https://example.com/p"))
		return ok
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return marker.marked("https://example.com/p") }, time.Second, 10*time.Millisecond)

	entry, ok = m.Lookup(ctx, "https://example.com/p")
	require.True(t, ok)
	require.Equal(t, render.CacheLocationHot, entry.Location)
}

func TestLookupTreatsHotErrorAsMiss(t *testing.T) {
	t.Parallel()

	cold := memory.NewBlobStore()
	m := newTestManager(t, &failingHotStore{}, cold)
	ctx := context.Background()

	_, ok := m.Lookup(ctx, "https://example.com")
	require.False(t, ok)

	_, err := cold.PutObject(ctx, m.StorageKey("https://example.com"), "text/html", strings.NewReader("x"))
	require.NoError(t, err)
	entry, ok := m.Lookup(ctx, "https://example.com")
	require.True(t, ok)
	require.Equal(t, render.CacheLocationCold, entry.Location)
}

func TestStoreReturnsHotFailure(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &failingHotStore{}, memory.NewBlobStore())
	_, err := m.Store(context.Background(), "https://example.com", []byte("x"))
	var werr *render.StorageWriteError
	require.True(t, errors.As(err, &werr))
	require.Equal(t, "hot", werr.Tier)
}

func TestStoreSwallowsColdFailure(t *testing.T) {
	t.Parallel()

	cold := &failingBlobStore{}
	m := newTestManager(t, memory.NewHotStore(0), cold)
	ctx := context.Background()

	_, err := m.Store(ctx, "https://example.com", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))
	require.Equal(t, 1, cold.putCalls())
}

func TestPromoteCopiesColdObject(t *testing.T) {
	t.Parallel()

	hot, cold := memory.NewHotStore(0), memory.NewBlobStore()
	m := newTestManager(t, hot, cold)
	ctx := context.Background()
	_, err := cold.PutObject(ctx, m.StorageKey("https://example.com"), "text/html", strings.NewReader("<p>x</p>"))
	require.NoError(t, err)

	m.Promote("https://example.com")
	m.Promote("https://missing.example")
	require.NoError(t, m.Close(ctx))

	got, ok, err := hot.Get(ctx, HotKey("https://example.com"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<p>x</p>", string(got))
}

func TestNewManagerRequiresStores(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil, memory.NewBlobStore(), Config{})
	require.Error(t, err)
	_, err = NewManager(memory.NewHotStore(0), nil, Config{})
	require.Error(t, err)
}

type failingHotStore struct{}

func (failingHotStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingHotStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis down")
}

type failingBlobStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingBlobStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return "", errors.New("bucket unavailable")
}

func (f *failingBlobStore) GetObject(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("bucket unavailable")
}

func (f *failingBlobStore) putCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingMarker struct {
	mu  sync.Mutex
	hot map[string]bool
}

func (r *recordingMarker) SetHotPresence(_ context.Context, normalizedURL string, inHot bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hot == nil {
		r.hot = make(map[string]bool)
	}
	r.hot[normalizedURL] = inHot
	return nil
}

func (r *recordingMarker) marked(normalizedURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hot[normalizedURL]
}
