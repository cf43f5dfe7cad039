package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/queue/memory"
	"github.com/JakeFAU/prerender/internal/render"
)

func fastPolicy(maxAttempts int) render.RetryPolicy {
	return render.RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, Factor: 2}
}

func startDispatcher(t *testing.T, handler Handler, policy render.RetryPolicy) (*Dispatcher, *memory.Queue) {
	t.Helper()
	queue := memory.NewQueue(16)
	d := New(queue, handler, Config{Concurrency: 2, StartsPerSecond: 1000, Retry: policy}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		queue.Close()
	})
	return d, queue
}

func TestDispatcherProcessesTask(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{}
	d, queue := startDispatcher(t, handler, fastPolicy(3))
	require.NoError(t, d.Enqueue(context.Background(), render.Task{JobID: "job-1", Attempt: 1}))

	require.Eventually(t, func() bool { return len(handler.processed()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, handler.failedCauses())
	require.Zero(t, queue.Len())
}

func TestDispatcherRetriesWithIncrementedAttempt(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{failures: map[int]error{1: errors.New("chrome crashed")}}
	d, _ := startDispatcher(t, handler, fastPolicy(3))
	require.NoError(t, d.Enqueue(context.Background(), render.Task{JobID: "job-1", Attempt: 1}))

	require.Eventually(t, func() bool { return len(handler.processed()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []int{1, 2}, handler.processed())
	require.Equal(t, 1, handler.retryCount())
	require.Empty(t, handler.failedCauses())
}

func TestDispatcherFailsAfterBudget(t *testing.T) {
	t.Parallel()

	cause := errors.New("navigation failed")
	handler := &fakeHandler{failures: map[int]error{1: cause, 2: cause}}
	d, _ := startDispatcher(t, handler, fastPolicy(2))
	require.NoError(t, d.Enqueue(context.Background(), render.Task{JobID: "job-1"}))

	require.Eventually(t, func() bool { return len(handler.failedCauses()) == 1 }, time.Second, 5*time.Millisecond)
	var exhausted *render.QueueDeliveryExhaustedError
	require.ErrorAs(t, handler.failedCauses()[0], &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
	require.ErrorIs(t, exhausted, cause)
	require.Equal(t, []int{1, 2}, handler.processed())
}

func TestDispatcherDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	sec := &render.SecurityRejectedError{URL: "http://10.0.0.1", Reason: render.ReasonPrivateIP}
	handler := &fakeHandler{failures: map[int]error{1: sec}}
	d, _ := startDispatcher(t, handler, fastPolicy(3))
	require.NoError(t, d.Enqueue(context.Background(), render.Task{JobID: "job-1", Attempt: 1}))

	require.Eventually(t, func() bool { return len(handler.failedCauses()) == 1 }, time.Second, 5*time.Millisecond)
	require.Same(t, sec, handler.failedCauses()[0])
	require.Zero(t, handler.retryCount())
	require.Equal(t, []int{1}, handler.processed())
}

func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	queue.Close()
	d := New(queue, &fakeHandler{}, Config{}, nil)
	err := d.Enqueue(context.Background(), render.Task{JobID: "x"})
	require.ErrorContains(t, err, "queue enqueue")
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	d := New(memory.NewQueue(1), &fakeHandler{}, Config{Concurrency: 3}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

type fakeHandler struct {
	mu       sync.Mutex
	failures map[int]error
	attempts []int
	retries  int
	failed   []error
}

func (f *fakeHandler) Process(_ context.Context, task render.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, task.Attempt)
	return f.failures[task.Attempt]
}

func (f *fakeHandler) RecordRetry(context.Context, render.Task, error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return nil
}

func (f *fakeHandler) Fail(_ context.Context, _ render.Task, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, cause)
	return nil
}

func (f *fakeHandler) processed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.attempts...)
}

func (f *fakeHandler) retryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries
}

func (f *fakeHandler) failedCauses() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.failed...)
}
