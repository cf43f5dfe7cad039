package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/metrics"
	"github.com/JakeFAU/prerender/internal/render"
)

// Reaper fails jobs that have sat in queued or processing longer than StaleAfter.
type Reaper struct {
	jobs       render.JobStore
	clock      render.Clock
	staleAfter time.Duration
	interval   time.Duration
	batch      int
	logger     *zap.Logger
}

// ReaperConfig tunes the stale-job sweep.
type ReaperConfig struct {
	StaleAfter time.Duration
	Interval   time.Duration
	BatchSize  int
}

// NewReaper constructs a Reaper with defaults for unset fields.
func NewReaper(jobs render.JobStore, clock render.Clock, cfg ReaperConfig, logger *zap.Logger) *Reaper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		jobs:       jobs,
		clock:      clock,
		staleAfter: cfg.StaleAfter,
		interval:   cfg.Interval,
		batch:      cfg.BatchSize,
		logger:     logger,
	}
}

// Run sweeps on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reaper sweep failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("reaped stale jobs", zap.Int("count", n))
			}
		}
	}
}

// Sweep fails one batch of stale jobs and returns how many it moved.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	stale, err := r.jobs.ListStale(ctx, now.Add(-r.staleAfter), r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	reaped := 0
	for _, job := range stale {
		_, err := r.jobs.Transition(ctx, job.ID, render.JobStatusFailed, render.JobUpdate{
			At:           now,
			ErrorMessage: fmt.Sprintf("job abandoned: no progress for %s", r.staleAfter),
		})
		if err != nil {
			if errors.Is(err, render.ErrInvalidTransition) {
				continue
			}
			return reaped, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		metrics.ObserveJob(string(render.JobStatusFailed))
		reaped++
	}
	return reaped, nil
}
