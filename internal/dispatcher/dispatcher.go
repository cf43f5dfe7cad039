// Package dispatcher fans queue deliveries out to render workers and owns
// retry decisions.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/prerender/internal/render"
)

// Handler processes a single task. *worker.Worker satisfies it.
type Handler interface {
	Process(ctx context.Context, task render.Task) error
	RecordRetry(ctx context.Context, task render.Task, cause error) error
	Fail(ctx context.Context, task render.Task, cause error) error
}

// Config controls fan-out and pacing.
type Config struct {
	Concurrency int
	// StartsPerSecond caps how quickly new renders begin across all workers.
	StartsPerSecond float64
	Retry           render.RetryPolicy
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   render.Queue
	handler Handler
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	// retries tracks delayed re-enqueues so Run can wait for them.
	retries sync.WaitGroup
}

// New creates a Dispatcher.
func New(queue render.Queue, handler Handler, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.StartsPerSecond <= 0 {
		cfg.StartsPerSecond = 10
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = render.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := int(cfg.StartsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.StartsPerSecond), burst),
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes and pending
// retries have been resolved.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			d.loop(ctx, d.logger.Named("worker").With(zap.Int("index", index)))
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
	d.retries.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task render.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, logger *zap.Logger) {
	for {
		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			delivery.Nack()
			return
		}
		logger.Debug("dequeued task", zap.String("job_id", delivery.Task.JobID), zap.Int("attempt", delivery.Task.Attempt))
		d.handle(ctx, delivery, logger)
	}
}

func (d *Dispatcher) handle(ctx context.Context, delivery render.Delivery, logger *zap.Logger) {
	task := delivery.Task
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	taskCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(delivery.Headers))

	err := d.handler.Process(taskCtx, task)
	if err == nil {
		delivery.Ack()
		return
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Shutdown interrupted the render; let the queue redeliver it.
		delivery.Nack()
		return
	}

	logger = logger.With(zap.String("job_id", task.JobID), zap.Int("attempt", task.Attempt))
	if d.cfg.Retry.ShouldRetry(err, task.Attempt) {
		if recErr := d.handler.RecordRetry(ctx, task, err); recErr != nil {
			logger.Warn("record retry failed", zap.Error(recErr))
		}
		delay := d.cfg.Retry.Backoff(task.Attempt)
		logger.Info("render attempt failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
		next := task
		next.Attempt++
		d.scheduleRetry(ctx, next, delay, logger)
		delivery.Ack()
		return
	}

	cause := err
	if d.cfg.Retry.Exhausted(task.Attempt) && !render.IsPermanent(err) {
		cause = &render.QueueDeliveryExhaustedError{JobID: task.JobID, Attempts: task.Attempt, Err: err}
	}
	if failErr := d.handler.Fail(ctx, task, cause); failErr != nil {
		logger.Error("fail job", zap.Error(failErr))
		delivery.Nack()
		return
	}
	delivery.Ack()
}

// scheduleRetry re-enqueues task after delay. On shutdown the retry is
// enqueued immediately so it is not lost with the process.
func (d *Dispatcher) scheduleRetry(ctx context.Context, task render.Task, delay time.Duration, logger *zap.Logger) {
	d.retries.Add(1)
	go func() {
		defer d.retries.Done()
		sleep(ctx, delay)
		enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		task.EnqueuedAt = time.Now().UTC()
		if err := d.Enqueue(enqueueCtx, task); err != nil {
			logger.Error("re-enqueue failed; job left for the reaper", zap.Error(err))
		}
	}()
}

// sleep waits for d or ctx and reports whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
