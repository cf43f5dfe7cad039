package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/prerender/internal/render"
)

// JobStore is an in-memory render.JobStore. It maintains the same
// one-in-flight-per-URL index the postgres schema enforces.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]render.Job
	inFlight map[string]string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:     make(map[string]render.Job),
		inFlight: make(map[string]string),
	}
}

// CreateJob stores a new queued job unless one is already in flight for its URL.
func (s *JobStore) CreateJob(_ context.Context, job render.Job) (render.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.inFlight[job.NormalizedURL]; ok {
		return s.jobs[existingID], render.ErrJobInFlight
	}
	if _, exists := s.jobs[job.ID]; exists {
		return render.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	job.Status = render.JobStatusQueued
	s.jobs[job.ID] = job
	s.inFlight[job.NormalizedURL] = job.ID
	return job, nil
}

// FindInProgress returns the queued or processing job for normalizedURL, if any.
func (s *JobStore) FindInProgress(_ context.Context, normalizedURL string) (render.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.inFlight[normalizedURL]
	if !ok {
		return render.Job{}, false, nil
	}
	return s.jobs[id], true, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (render.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return render.Job{}, render.ErrJobNotFound
	}
	return job, nil
}

// Transition moves a job to a new status if the state machine allows it.
func (s *JobStore) Transition(_ context.Context, jobID string, to render.JobStatus, update render.JobUpdate) (render.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return render.Job{}, render.ErrJobNotFound
	}
	if !job.Status.CanTransition(to) {
		return job, fmt.Errorf("%w: %s -> %s", render.ErrInvalidTransition, job.Status, to)
	}

	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch to {
	case render.JobStatusProcessing:
		if job.StartedAt == nil {
			job.StartedAt = &at
		}
	case render.JobStatusCompleted:
		job.CompletedAt = &at
		job.RenderDurationMs = update.RenderDurationMs
		job.HTMLSizeBytes = update.HTMLSizeBytes
		job.StorageKey = update.StorageKey
		job.ErrorMessage = ""
	case render.JobStatusFailed:
		job.CompletedAt = &at
		job.ErrorMessage = update.ErrorMessage
	}
	job.Status = to
	s.jobs[jobID] = job
	if to.Terminal() {
		delete(s.inFlight, job.NormalizedURL)
	}
	return job, nil
}

// RecordAttemptFailure bumps the retry counter and records the latest error.
func (s *JobStore) RecordAttemptFailure(_ context.Context, jobID string, errText string) (render.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return render.Job{}, render.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("%w: job is %s", render.ErrInvalidTransition, job.Status)
	}
	job.RetryCount++
	job.ErrorMessage = errText
	s.jobs[jobID] = job
	return job, nil
}

// ListStale returns in-flight jobs queued before the cutoff, oldest first.
func (s *JobStore) ListStale(_ context.Context, before time.Time, limit int) ([]render.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []render.Job
	for _, id := range s.inFlight {
		job := s.jobs[id]
		if job.QueuedAt.Before(before) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
