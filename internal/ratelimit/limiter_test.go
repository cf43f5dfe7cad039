package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prerender/internal/render"
	"github.com/JakeFAU/prerender/internal/storage/memory"
)

func TestLimiterDeniesFourthCallThenResets(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(memory.NewWindowStore(), clock)
	ctx := context.Background()
	key := Key(ActionRender, render.Principal{ID: "user-1", Source: render.PrincipalSourceAPIKey})

	for i := 1; i <= 3; i++ {
		d, err := limiter.Admit(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i)
		require.Equal(t, i, d.Used)
		require.Equal(t, 3-i, d.Remaining)
		clock.advance(time.Second)
	}

	denied, err := limiter.Admit(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	require.Equal(t, 0, denied.Remaining)
	require.Equal(t, 3, denied.Used)
	require.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), denied.ResetAt)

	var rle *render.RateLimitExceededError
	require.True(t, errors.As(denied.Err(), &rle))
	require.Equal(t, 3, rle.Limit)

	clock.advance(time.Minute)
	d, err := limiter.Admit(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Used)
}

func TestLimiterDeniedCallsDoNotConsume(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	limiter := New(memory.NewWindowStore(), clock)
	ctx := context.Background()

	_, err := limiter.Admit(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		d, err := limiter.Admit(ctx, "k", 1, time.Minute)
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}
	peek, err := limiter.Peek(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, peek.Used)
}

func TestLimiterPeekDoesNotRecord(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	limiter := New(memory.NewWindowStore(), clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Peek(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, 0, d.Used)
		require.Equal(t, 2, d.Remaining)
	}
}

func TestLimiterConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	t.Parallel()

	limiter := New(memory.NewWindowStore(), &fakeClock{now: time.Now()})
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Admit(ctx, "k", 10, time.Hour)
			if err != nil {
				t.Errorf("Admit() error = %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, allowed)
}

func TestPolicyFor(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	limit, window := p.For(render.Principal{ID: "k", Tier: "pro", Source: render.PrincipalSourceAPIKey})
	require.Equal(t, 10000, limit)
	require.Equal(t, 24*time.Hour, window)

	limit, _ = p.For(render.Principal{ID: "k", Tier: "mystery", Source: render.PrincipalSourceAPIKey})
	require.Equal(t, 100, limit)

	limit, window = p.For(render.Principal{ID: "u", Tier: "pro", Source: render.PrincipalSourceSession})
	require.Equal(t, 30, limit)
	require.Equal(t, time.Minute, window)

	require.Equal(t, "ratelimit:render:session:u",
		Key(ActionRender, render.Principal{ID: "u", Source: render.PrincipalSourceSession}))
	require.NotEqual(t,
		Key(ActionRender, render.Principal{ID: "u", Source: render.PrincipalSourceAPIKey}),
		Key(ActionRender, render.Principal{ID: "u", Source: render.PrincipalSourceSession}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
