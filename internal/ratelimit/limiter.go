// Package ratelimit implements sliding-window admission limits per principal.
//
// Each call records a uniquely named member in a time-ordered window keyed by
// action and principal. Members older than the window are evicted before
// counting, and a denied call removes its own member so only admitted calls
// consume quota.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/prerender/internal/render"
)

// WindowStore keeps the timestamped members of one sliding window.
// Implementations must make Add atomic with respect to concurrent callers.
type WindowStore interface {
	// Add evicts members at or before now-window, records member at now, and
	// returns the resulting count plus the timestamp of the oldest member.
	Add(ctx context.Context, key, member string, now time.Time, window time.Duration) (int, time.Time, error)
	// Remove deletes a single member.
	Remove(ctx context.Context, key, member string) error
	// Count evicts expired members and returns the count and oldest timestamp without recording.
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Used      int
	Remaining int
	ResetAt   time.Time
}

// Err converts a denied decision into a *render.RateLimitExceededError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &render.RateLimitExceededError{
		Limit:     d.Limit,
		Used:      d.Used,
		Remaining: d.Remaining,
		ResetAt:   d.ResetAt,
	}
}

// Limiter applies sliding-window limits against a WindowStore.
type Limiter struct {
	store WindowStore
	clock render.Clock
}

// New builds a Limiter.
func New(store WindowStore, clock render.Clock) *Limiter {
	return &Limiter{store: store, clock: clock}
}

// Admit records an attempt under key and reports whether it fits within limit
// for the trailing window.
func (l *Limiter) Admit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := l.clock.Now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	count, oldest, err := l.store.Add(ctx, key, member, now, window)
	if err != nil {
		return Decision{}, fmt.Errorf("record window member: %w", err)
	}
	if count <= limit {
		return decide(true, limit, count, oldest, now, window), nil
	}
	if err := l.store.Remove(ctx, key, member); err != nil {
		return Decision{}, fmt.Errorf("remove denied member: %w", err)
	}
	return decide(false, limit, count-1, oldest, now, window), nil
}

// Peek reports current usage for key without consuming quota.
func (l *Limiter) Peek(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := l.clock.Now()
	count, oldest, err := l.store.Count(ctx, key, now, window)
	if err != nil {
		return Decision{}, fmt.Errorf("count window: %w", err)
	}
	return decide(count < limit, limit, count, oldest, now, window), nil
}

func decide(allowed bool, limit, used int, oldest, now time.Time, window time.Duration) Decision {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	reset := now.Add(window)
	if !oldest.IsZero() {
		reset = oldest.Add(window)
	}
	return Decision{
		Allowed:   allowed,
		Limit:     limit,
		Used:      used,
		Remaining: remaining,
		ResetAt:   reset,
	}
}
