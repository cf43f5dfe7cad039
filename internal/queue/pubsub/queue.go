// Package pubsub implements the dispatch queue on Google Cloud Pub/Sub.
// Tasks travel as JSON with trace context in message attributes. Messages are
// acknowledged only after the dispatcher has handled the delivery.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/render"
)

const attrJobID = "job_id"

// Queue publishes tasks to a topic and receives them from a subscription.
type Queue struct {
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger

	deliveries chan render.Delivery
	done       chan struct{}
	startOnce  sync.Once
	errMu      sync.Mutex
	recvErr    error
}

// New wires a publisher and subscriber. Either may be nil for processes that
// only enqueue (admission) or only dequeue (workers).
func New(publisher *pubsub.Publisher, subscriber *pubsub.Subscriber, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger,
		deliveries: make(chan render.Delivery),
		done:       make(chan struct{}),
	}
}

// Enqueue publishes task and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, task render.Task) error {
	if q.publisher == nil {
		return errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	attrs := map[string]string{attrJobID: task.JobID}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	result := q.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Start begins receiving from the subscription until ctx ends.
// Calling Start more than once has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		if q.subscriber == nil {
			close(q.done)
			return
		}
		go q.receive(ctx)
	})
}

func (q *Queue) receive(ctx context.Context) {
	defer close(q.done)
	err := q.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var task render.Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			q.logger.Error("dropping malformed task", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		d := render.NewDelivery(task, msg.Ack, msg.Nack)
		d.Headers = msg.Attributes
		select {
		case q.deliveries <- d:
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
		q.errMu.Lock()
		q.recvErr = err
		q.errMu.Unlock()
	}
}

// Dequeue returns the next received task.
func (q *Queue) Dequeue(ctx context.Context) (render.Delivery, error) {
	select {
	case <-ctx.Done():
		return render.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d := <-q.deliveries:
		return d, nil
	case <-q.done:
		q.errMu.Lock()
		defer q.errMu.Unlock()
		if q.recvErr != nil {
			return render.Delivery{}, fmt.Errorf("queue closed: %w", q.recvErr)
		}
		return render.Delivery{}, errors.New("queue closed")
	}
}

// Stop flushes pending publishes.
func (q *Queue) Stop() {
	if q.publisher != nil {
		q.publisher.Stop()
	}
}
