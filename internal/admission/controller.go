// Package admission decides, per request, whether to serve a cached snapshot,
// point at an in-flight render, or schedule a new one. It never waits on a render.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/cache"
	"github.com/JakeFAU/prerender/internal/metrics"
	"github.com/JakeFAU/prerender/internal/ratelimit"
	"github.com/JakeFAU/prerender/internal/render"
)

// Outcome is how an admission resolved.
type Outcome string

// Admission outcomes.
const (
	OutcomeHit      Outcome = "hit"
	OutcomeInFlight Outcome = "in_flight"
	OutcomeQueued   Outcome = "queued"
)

const defaultBackendTimeout = 2 * time.Second

// Request is one render admission.
type Request struct {
	URL     string
	Options render.RenderOptions
}

// Result carries whatever the caller needs to answer the HTTP request.
type Result struct {
	Outcome  Outcome
	Entry    cache.Entry
	Job      render.Job
	Decision ratelimit.Decision
}

// RateLimiter is the sliding-window limiter.
type RateLimiter interface {
	Admit(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error)
	Peek(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error)
}

// Cache is the read side of the cache manager.
type Cache interface {
	Lookup(ctx context.Context, normalizedURL string) (cache.Entry, bool)
}

// Deps bundles the controller's collaborators. Access is optional.
type Deps struct {
	Validator render.URLValidator
	Limiter   RateLimiter
	Policy    ratelimit.Policy
	Cache     Cache
	Jobs      render.JobStore
	Queue     render.Queue
	Access    render.AccessEmitter
	IDs       render.IDGenerator
	Clock     render.Clock
}

// Config tunes the controller.
type Config struct {
	// BackendTimeout bounds every individual store, cache, and queue call.
	BackendTimeout time.Duration
	AutoScroll     bool
}

// Controller runs the admission flow.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Controller.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Controller, error) {
	switch {
	case deps.Validator == nil:
		return nil, errors.New("url validator is required")
	case deps.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case deps.Cache == nil:
		return nil, errors.New("cache is required")
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = defaultBackendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{deps: deps, cfg: cfg, logger: logger}, nil
}

// Admit runs one admission for principal. Errors are typed render errors
// (or render.ErrUnauthenticated) that the HTTP layer maps to status codes;
// anything else is unexpected.
func (c *Controller) Admit(ctx context.Context, principal render.Principal, req Request) (Result, error) {
	start := c.deps.Clock.Now()
	if principal.ID == "" {
		metrics.ObserveAdmission("unauthenticated")
		return Result{}, render.ErrUnauthenticated
	}

	rawURL := strings.TrimSpace(req.URL)
	normalized, err := render.NormalizeURL(rawURL)
	if err != nil {
		metrics.ObserveAdmission("invalid_url")
		return Result{}, err
	}
	if err := c.deps.Validator.Validate(normalized); err != nil {
		var sec *render.SecurityRejectedError
		if errors.As(err, &sec) {
			metrics.ObserveSSRFRejection(string(sec.Reason))
		}
		metrics.ObserveAdmission("blocked_url")
		c.logger.Info("blocked render target", zap.String("principal", principal.ID), zap.String("url", rawURL), zap.Error(err))
		return Result{}, err
	}

	limit, window := c.deps.Policy.For(principal)
	decision, err := c.admitRate(ctx, principal, limit, window)
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		metrics.ObserveRateLimitRejection(string(principal.Source))
		metrics.ObserveAdmission("rate_limited")
		return Result{Decision: decision}, decision.Err()
	}

	lookupCtx, cancel := c.backendCtx(ctx)
	entry, hit := c.deps.Cache.Lookup(lookupCtx, normalized)
	cancel()
	location := render.CacheLocationNone
	if hit {
		location = entry.Location
	}
	c.recordAccess(principal, normalized, location, start)
	if hit {
		metrics.ObserveAdmission(string(OutcomeHit))
		return Result{Outcome: OutcomeHit, Entry: entry, Decision: decision}, nil
	}

	job, outcome, err := c.schedule(ctx, principal, rawURL, normalized, req.Options)
	if err != nil {
		metrics.ObserveAdmission("error")
		return Result{Decision: decision}, err
	}
	metrics.ObserveAdmission(string(outcome))
	return Result{Outcome: outcome, Job: job, Decision: decision}, nil
}

// Usage reports principal's current window without consuming quota.
func (c *Controller) Usage(ctx context.Context, principal render.Principal) (ratelimit.Decision, error) {
	if principal.ID == "" {
		return ratelimit.Decision{}, render.ErrUnauthenticated
	}
	limit, window := c.deps.Policy.For(principal)
	callCtx, cancel := c.backendCtx(ctx)
	defer cancel()
	decision, err := c.deps.Limiter.Peek(callCtx, ratelimit.Key(ratelimit.ActionRender, principal), limit, window)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("peek rate limit: %w", err)
	}
	return decision, nil
}

// Status returns a job by ID.
func (c *Controller) Status(ctx context.Context, jobID string) (render.Job, error) {
	callCtx, cancel := c.backendCtx(ctx)
	defer cancel()
	job, err := c.deps.Jobs.GetJob(callCtx, jobID)
	if err != nil {
		return render.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (c *Controller) admitRate(ctx context.Context, principal render.Principal, limit int, window time.Duration) (ratelimit.Decision, error) {
	callCtx, cancel := c.backendCtx(ctx)
	defer cancel()
	decision, err := c.deps.Limiter.Admit(callCtx, ratelimit.Key(ratelimit.ActionRender, principal), limit, window)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("admit rate limit: %w", err)
	}
	return decision, nil
}

func (c *Controller) schedule(
	ctx context.Context,
	principal render.Principal,
	rawURL, normalized string,
	opts render.RenderOptions,
) (render.Job, Outcome, error) {
	logger := c.logger.With(zap.String("principal", principal.ID), zap.String("normalized_url", normalized))

	findCtx, cancel := c.backendCtx(ctx)
	existing, found, err := c.deps.Jobs.FindInProgress(findCtx, normalized)
	cancel()
	if err != nil {
		return render.Job{}, "", fmt.Errorf("find in-progress job: %w", err)
	}
	if found {
		return existing, OutcomeInFlight, nil
	}

	id, err := c.deps.IDs.NewID()
	if err != nil {
		return render.Job{}, "", fmt.Errorf("generate job id: %w", err)
	}
	now := c.deps.Clock.Now()
	createCtx, cancel := c.backendCtx(ctx)
	job, err := c.deps.Jobs.CreateJob(createCtx, render.Job{
		ID:            id,
		RawURL:        rawURL,
		NormalizedURL: normalized,
		PrincipalID:   principal.ID,
		Status:        render.JobStatusQueued,
		QueuedAt:      now,
	})
	cancel()
	if errors.Is(err, render.ErrJobInFlight) {
		if job.ID == "" {
			return render.Job{}, "", fmt.Errorf("create job: in-flight job for %s not returned", normalized)
		}
		return job, OutcomeInFlight, nil
	}
	if err != nil {
		return render.Job{}, "", fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(string(render.JobStatusQueued))

	task := render.Task{
		JobID:         job.ID,
		URL:           rawURL,
		NormalizedURL: normalized,
		PrincipalID:   principal.ID,
		Options:       c.withDefaults(opts),
		Attempt:       1,
		EnqueuedAt:    now,
	}
	enqueueCtx, cancel := c.backendCtx(ctx)
	defer cancel()
	if err := c.deps.Queue.Enqueue(enqueueCtx, task); err != nil {
		logger.Error("enqueue render task failed; job left for the reaper", zap.String("job_id", job.ID), zap.Error(err))
		return render.Job{}, "", fmt.Errorf("enqueue render task: %w", err)
	}
	logger.Info("render job queued", zap.String("job_id", job.ID))
	return job, OutcomeQueued, nil
}

func (c *Controller) withDefaults(opts render.RenderOptions) render.RenderOptions {
	opts.BlockResources = true
	if c.cfg.AutoScroll {
		opts.AutoScroll = true
	}
	return opts
}

func (c *Controller) recordAccess(principal render.Principal, normalized string, location render.CacheLocation, start time.Time) {
	if c.deps.Access == nil {
		return
	}
	now := c.deps.Clock.Now()
	c.deps.Access.Emit(render.AccessRecord{
		PrincipalID:    principal.ID,
		NormalizedURL:  normalized,
		Location:       location,
		ResponseTimeMs: now.Sub(start).Milliseconds(),
		Timestamp:      now,
	})
}

func (c *Controller) backendCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.BackendTimeout)
}
