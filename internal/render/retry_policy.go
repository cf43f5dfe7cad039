package render

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether a failed render attempt is re-enqueued and how
// long to wait first. Attempts are 1-based.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	// Jitter spreads each delay by up to +/- this fraction. Zero disables it.
	Jitter float64
}

// DefaultRetryPolicy allows three attempts in total, so only the ~5s and ~25s
// waits run. The schedule continues at ~125s when MaxAttempts is raised.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		Factor:      5,
		MaxDelay:    5 * time.Minute,
		Jitter:      0.1,
	}
}

// ShouldRetry reports whether another attempt is allowed after attempt failed with err.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

// Exhausted reports whether attempt used up the whole budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Backoff returns the wait before the attempt that follows attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		spread := time.Duration(delay * p.Jitter)
		delay += float64(randomJitter(2*spread) - spread)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
