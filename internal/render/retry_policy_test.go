package render

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyBackoffSchedule(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	p.Jitter = 0
	require.Equal(t, 5*time.Second, p.Backoff(1))
	require.Equal(t, 25*time.Second, p.Backoff(2))
	require.Equal(t, 125*time.Second, p.Backoff(3))
	require.Equal(t, 5*time.Minute, p.Backoff(10))
}

func TestRetryPolicyBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	for i := 0; i < 50; i++ {
		got := p.Backoff(1)
		require.GreaterOrEqual(t, got, 4500*time.Millisecond)
		require.LessOrEqual(t, got, 5500*time.Millisecond)
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	boom := errors.New("boom")

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(boom, 1))
	require.True(t, p.ShouldRetry(boom, 2))
	require.False(t, p.ShouldRetry(boom, 3))
	require.True(t, p.Exhausted(3))

	// Three attempts leave two waits; a fourth attempt would be needed for the ~125s step.
	p.MaxAttempts = 4
	require.True(t, p.ShouldRetry(boom, 3))
	require.False(t, p.ShouldRetry(boom, 4))

	timeout := &RenderTimeoutError{URL: "https://example.com", Timeout: time.Second, Err: context.DeadlineExceeded}
	require.True(t, p.ShouldRetry(timeout, 1))

	blocked := fmt.Errorf("final url: %w", &SecurityRejectedError{Reason: ReasonPrivateIP})
	require.False(t, p.ShouldRetry(blocked, 1))

	require.False(t, p.ShouldRetry(context.Canceled, 1))
}
