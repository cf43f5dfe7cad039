package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/prerender/internal/render"
)

const jobColumns = `id, url, normalized_url, principal_id, status, queued_at, started_at, completed_at, ` +
	`render_duration_ms, html_size_bytes, storage_key, error_message, retry_count`

// JobStore implements render.JobStore on the render_jobs table. The partial
// unique index render_jobs_inflight_idx enforces one in-flight job per URL.
type JobStore struct {
	pool Pool
}

// NewJobStore wraps pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// CreateJob inserts a queued job. A unique violation on the in-flight index
// returns the job that won the race together with render.ErrJobInFlight. If the
// winner already finished by the time it is looked up, the insert is retried once.
func (s *JobStore) CreateJob(ctx context.Context, job render.Job) (render.Job, error) {
	const query = `
INSERT INTO render_jobs (id, url, normalized_url, principal_id, status, queued_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + jobColumns

	const attempts = 2
	for attempt := 1; ; attempt++ {
		row := s.pool.QueryRow(ctx, query,
			job.ID, job.RawURL, job.NormalizedURL, job.PrincipalID, string(render.JobStatusQueued), job.QueuedAt)
		created, err := scanJob(row)
		if err == nil {
			return created, nil
		}
		if !isUniqueViolation(err) {
			return render.Job{}, fmt.Errorf("insert render job: %w", err)
		}
		existing, ok, findErr := s.FindInProgress(ctx, job.NormalizedURL)
		if findErr != nil {
			return render.Job{}, findErr
		}
		if ok {
			return existing, render.ErrJobInFlight
		}
		if attempt == attempts {
			return render.Job{}, fmt.Errorf("insert render job: in-flight job for %s vanished twice", job.NormalizedURL)
		}
	}
}

// FindInProgress returns the queued or processing job for normalizedURL, if any.
func (s *JobStore) FindInProgress(ctx context.Context, normalizedURL string) (render.Job, bool, error) {
	const query = `
SELECT ` + jobColumns + `
FROM render_jobs
WHERE normalized_url = $1 AND status IN ('queued', 'processing')
LIMIT 1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, normalizedURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return render.Job{}, false, nil
	}
	if err != nil {
		return render.Job{}, false, fmt.Errorf("find in-progress job: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (render.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM render_jobs WHERE id = $1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return render.Job{}, render.ErrJobNotFound
	}
	if err != nil {
		return render.Job{}, fmt.Errorf("get render job: %w", err)
	}
	return job, nil
}

// Transition performs a compare-and-swap status update: the row only changes
// when its current status may legally move to `to`.
func (s *JobStore) Transition(ctx context.Context, jobID string, to render.JobStatus, update render.JobUpdate) (render.Job, error) {
	const query = `
UPDATE render_jobs SET
	status = $2::text,
	started_at = CASE WHEN $2::text = 'processing' THEN COALESCE(started_at, $3::timestamptz) ELSE started_at END,
	completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN $3::timestamptz ELSE completed_at END,
	render_duration_ms = COALESCE($4::bigint, render_duration_ms),
	html_size_bytes = COALESCE($5::bigint, html_size_bytes),
	storage_key = CASE WHEN $6::text <> '' THEN $6::text ELSE storage_key END,
	error_message = CASE WHEN $2::text = 'completed' THEN '' WHEN $7::text <> '' THEN $7::text ELSE error_message END
WHERE id = $1 AND status = ANY($8::text[])
RETURNING ` + jobColumns

	from := fromStatuses(to)
	if len(from) == 0 {
		return render.Job{}, fmt.Errorf("%w: nothing may move to %s", render.ErrInvalidTransition, to)
	}
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, query, jobID, string(to), at,
		update.RenderDurationMs, update.HTMLSizeBytes, update.StorageKey, update.ErrorMessage, from)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return render.Job{}, fmt.Errorf("transition render job: %w", err)
	}
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return render.Job{}, getErr
	}
	return current, fmt.Errorf("%w: %s -> %s", render.ErrInvalidTransition, current.Status, to)
}

// RecordAttemptFailure bumps retry_count on an in-flight job and records errText.
func (s *JobStore) RecordAttemptFailure(ctx context.Context, jobID string, errText string) (render.Job, error) {
	const query = `
UPDATE render_jobs SET retry_count = retry_count + 1, error_message = $2
WHERE id = $1 AND status IN ('queued', 'processing')
RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID, errText))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return render.Job{}, fmt.Errorf("record attempt failure: %w", err)
	}
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return render.Job{}, getErr
	}
	return current, fmt.Errorf("%w: job is %s", render.ErrInvalidTransition, current.Status)
}

// ListStale returns in-flight jobs queued before the cutoff, oldest first.
func (s *JobStore) ListStale(ctx context.Context, before time.Time, limit int) ([]render.Job, error) {
	const query = `
SELECT ` + jobColumns + `
FROM render_jobs
WHERE status IN ('queued', 'processing') AND queued_at < $1
ORDER BY queued_at
LIMIT $2`

	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []render.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}
	return jobs, nil
}

// Ping checks connectivity for readiness probes.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (render.Job, error) {
	var (
		job    render.Job
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.RawURL,
		&job.NormalizedURL,
		&job.PrincipalID,
		&status,
		&job.QueuedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.RenderDurationMs,
		&job.HTMLSizeBytes,
		&job.StorageKey,
		&job.ErrorMessage,
		&job.RetryCount,
	)
	if err != nil {
		return render.Job{}, err
	}
	job.Status = render.JobStatus(status)
	return job, nil
}

// fromStatuses lists the states that may legally move to `to`.
func fromStatuses(to render.JobStatus) []string {
	var out []string
	for _, from := range []render.JobStatus{
		render.JobStatusQueued,
		render.JobStatusProcessing,
		render.JobStatusCompleted,
		render.JobStatusFailed,
	} {
		if from.CanTransition(to) {
			out = append(out, string(from))
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
