// Package memory provides a process-local dispatch queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/prerender/internal/render"
)

// Queue is a bounded in-memory queue with context-aware operations.
// A nacked delivery is put back at the tail.
type Queue struct {
	ch        chan render.Task
	done      chan struct{}
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan render.Task, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task render.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return errors.New("queue closed")
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return errors.New("queue closed")
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (render.Delivery, error) {
	select {
	case <-ctx.Done():
		return render.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return render.Delivery{}, errors.New("queue closed")
		}
		return render.NewDelivery(task, nil, func() { q.requeue(task) }), nil
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) requeue(task render.Task) {
	go func() {
		_ = q.Enqueue(context.Background(), task)
	}()
}

// Close closes the underlying channel for shutdown. Blocked enqueues return
// an error; buffered tasks can still be drained.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.closeMu.Lock()
		defer q.closeMu.Unlock()
		close(q.ch)
		q.closed = true
	})
}
