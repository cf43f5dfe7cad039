// Package worker executes render tasks: render, sanitize, cache, and record.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/metrics"
	"github.com/JakeFAU/prerender/internal/render"
)

// CompletionEventType is the event_type attribute on completion events.
const CompletionEventType = "render.completed"

// Cache stores sanitized snapshots and returns their storage key.
type Cache interface {
	Store(ctx context.Context, normalizedURL string, html []byte) (string, error)
}

// Deps bundles the collaborators a Worker needs. Publisher is optional.
type Deps struct {
	Jobs      render.JobStore
	Artifacts render.ArtifactStore
	Cache     Cache
	Renderer  render.Renderer
	Validator render.URLValidator
	Sanitizer render.Sanitizer
	Publisher render.Publisher
	Clock     render.Clock
}

// Worker runs one render task end to end. It never retries on its own; the
// dispatcher owns retry decisions.
type Worker struct {
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs a Worker.
func New(deps Deps, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Artifacts == nil:
		return nil, errors.New("artifact store is required")
	case deps.Cache == nil:
		return nil, errors.New("cache is required")
	case deps.Renderer == nil:
		return nil, errors.New("renderer is required")
	case deps.Validator == nil:
		return nil, errors.New("url validator is required")
	case deps.Sanitizer == nil:
		return nil, errors.New("sanitizer is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer("github.com/JakeFAU/prerender/internal/worker"),
	}, nil
}

// Process renders task and completes its job. A nil return with no completed
// job means the task was stale (job missing or already terminal) and dropped.
func (w *Worker) Process(ctx context.Context, task render.Task) error {
	ctx, span := w.tracer.Start(ctx, "render.job", trace.WithAttributes(
		attribute.String("job.id", task.JobID),
		attribute.String("url.normalized", task.NormalizedURL),
		attribute.Int("job.attempt", task.Attempt),
	))
	defer span.End()

	err := w.process(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *Worker) process(ctx context.Context, task render.Task) error {
	logger := w.logger.With(zap.String("job_id", task.JobID), zap.String("url", task.URL), zap.Int("attempt", task.Attempt))

	startedAt := w.deps.Clock.Now()
	if _, err := w.deps.Jobs.Transition(ctx, task.JobID, render.JobStatusProcessing, render.JobUpdate{At: startedAt}); err != nil {
		if errors.Is(err, render.ErrInvalidTransition) || errors.Is(err, render.ErrJobNotFound) {
			logger.Info("dropping task for finished or unknown job", zap.Error(err))
			return nil
		}
		return fmt.Errorf("mark job processing: %w", err)
	}
	metrics.ObserveJob(string(render.JobStatusProcessing))

	if err := w.deps.Validator.Validate(task.URL); err != nil {
		w.observeSecurity(err)
		return err
	}

	result, err := w.deps.Renderer.Render(ctx, render.RenderRequest{URL: task.URL, Options: task.Options})
	if err != nil {
		logger.Warn("render failed", zap.Error(err))
		return err
	}
	if result.FinalURL != "" {
		if err := w.deps.Validator.Validate(result.FinalURL); err != nil {
			logger.Warn("render redirected to a blocked url", zap.String("final_url", result.FinalURL))
			w.observeSecurity(err)
			return err
		}
	}

	html := w.deps.Sanitizer.Sanitize(result.HTML)
	storageKey, err := w.deps.Cache.Store(ctx, task.NormalizedURL, html)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	completedAt := w.deps.Clock.Now()
	size := int64(len(html))
	durationMs := result.Metrics.Duration.Milliseconds()
	if durationMs == 0 {
		durationMs = completedAt.Sub(startedAt).Milliseconds()
	}

	if err := w.deps.Artifacts.UpsertArtifact(ctx, render.Artifact{
		NormalizedURL:   task.NormalizedURL,
		StorageKey:      storageKey,
		HTMLSizeBytes:   size,
		FirstRenderedAt: completedAt,
		InHotTier:       true,
	}); err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}

	job, err := w.deps.Jobs.Transition(ctx, task.JobID, render.JobStatusCompleted, render.JobUpdate{
		At:               completedAt,
		RenderDurationMs: &durationMs,
		HTMLSizeBytes:    &size,
		StorageKey:       storageKey,
	})
	if err != nil {
		if errors.Is(err, render.ErrInvalidTransition) {
			// The reaper got there first; the snapshot is cached regardless.
			logger.Warn("job finished elsewhere before completion", zap.Error(err))
			return nil
		}
		return fmt.Errorf("mark job completed: %w", err)
	}
	metrics.ObserveJob(string(render.JobStatusCompleted))
	logger.Info("render completed",
		zap.String("storage_key", storageKey),
		zap.Int64("html_size_bytes", size),
		zap.Int64("render_duration_ms", durationMs),
		zap.Int("requests_blocked", result.Metrics.RequestsBlocked),
	)

	w.publish(ctx, job, logger)
	return nil
}

func (w *Worker) publish(ctx context.Context, job render.Job, logger *zap.Logger) {
	if w.deps.Publisher == nil {
		return
	}
	event := render.CompletionEvent{
		JobID:         job.ID,
		URL:           job.RawURL,
		NormalizedURL: job.NormalizedURL,
		StorageKey:    job.StorageKey,
	}
	if job.HTMLSizeBytes != nil {
		event.HTMLSizeBytes = *job.HTMLSizeBytes
	}
	if job.RenderDurationMs != nil {
		event.RenderDurationMs = *job.RenderDurationMs
	}
	if job.CompletedAt != nil {
		event.CompletedAt = *job.CompletedAt
	}
	if _, err := w.deps.Publisher.Publish(ctx, CompletionEventType, event); err != nil {
		logger.Warn("publish completion event failed", zap.Error(err))
	}
}

// RecordRetry notes a failed attempt on the job ahead of a re-enqueue.
func (w *Worker) RecordRetry(ctx context.Context, task render.Task, cause error) error {
	metrics.ObserveRetry()
	if _, err := w.deps.Jobs.RecordAttemptFailure(ctx, task.JobID, cause.Error()); err != nil {
		return fmt.Errorf("record attempt failure: %w", err)
	}
	return nil
}

// Fail moves the job to failed with cause as its error message. A job that is
// already terminal is left alone.
func (w *Worker) Fail(ctx context.Context, task render.Task, cause error) error {
	_, err := w.deps.Jobs.Transition(ctx, task.JobID, render.JobStatusFailed, render.JobUpdate{
		At:           w.deps.Clock.Now(),
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		if errors.Is(err, render.ErrInvalidTransition) || errors.Is(err, render.ErrJobNotFound) {
			return nil
		}
		return fmt.Errorf("mark job failed: %w", err)
	}
	metrics.ObserveJob(string(render.JobStatusFailed))
	w.logger.Warn("job failed", zap.String("job_id", task.JobID), zap.String("url", task.URL), zap.Error(cause))
	return nil
}

func (w *Worker) observeSecurity(err error) {
	var sec *render.SecurityRejectedError
	if errors.As(err, &sec) {
		metrics.ObserveSSRFRejection(string(sec.Reason))
	}
}
