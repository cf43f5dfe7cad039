package render

import (
	"context"
	"io"
	"time"
)

// JobStore persists render jobs and enforces the one-in-flight-per-URL rule.
type JobStore interface {
	// CreateJob inserts a queued job. It returns ErrJobInFlight when another
	// queued or processing job already exists for the same normalized URL.
	CreateJob(ctx context.Context, job Job) (Job, error)
	FindInProgress(ctx context.Context, normalizedURL string) (Job, bool, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	Transition(ctx context.Context, jobID string, to JobStatus, update JobUpdate) (Job, error)
	RecordAttemptFailure(ctx context.Context, jobID string, errText string) (Job, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]Job, error)
}

// ArtifactStore persists cached artifact metadata.
type ArtifactStore interface {
	UpsertArtifact(ctx context.Context, artifact Artifact) error
	TouchArtifact(ctx context.Context, normalizedURL string, at time.Time) error
	SetHotPresence(ctx context.Context, normalizedURL string, inHot bool) error
	GetArtifact(ctx context.Context, normalizedURL string) (Artifact, bool, error)
}

// AccessLogStore appends cache access records in batches.
type AccessLogStore interface {
	InsertAccessRecords(ctx context.Context, records []AccessRecord) error
}

// HotStore is the fast, volatile cache tier.
type HotStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// BlobStore is the durable object-storage cache tier.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, bool, error)
}

// Queue delivers render tasks to workers at least once.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Delivery, error)
}

// Renderer loads a page in a real browser and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
}

// URLValidator rejects URLs that resolve to internal infrastructure.
type URLValidator interface {
	Validate(rawURL string) error
}

// Sanitizer strips non-semantic markup from rendered HTML.
type Sanitizer interface {
	Sanitize(html []byte) []byte
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// AccessEmitter records cache accesses without blocking the caller.
type AccessEmitter interface {
	Emit(record AccessRecord)
}

// Hasher computes digests for storage keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
