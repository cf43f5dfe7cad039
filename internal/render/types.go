package render

import (
	"time"
)

// JobStatus represents the lifecycle state of a render job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// InFlight reports whether the status still blocks a new job for the same URL.
func (s JobStatus) InFlight() bool {
	return s == JobStatusQueued || s == JobStatusProcessing
}

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether moving from s to next is a legal job transition.
// processing -> processing is accepted so a redelivered task can re-enter.
// queued -> failed is reserved for the stale-job reaper.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusProcessing || next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Job represents one attempt to produce a cached artifact for a URL.
type Job struct {
	ID               string     `json:"jobId"`
	RawURL           string     `json:"url"`
	NormalizedURL    string     `json:"normalizedUrl"`
	PrincipalID      string     `json:"principalId"`
	Status           JobStatus  `json:"status"`
	QueuedAt         time.Time  `json:"queuedAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	RenderDurationMs *int64     `json:"renderDurationMs,omitempty"`
	HTMLSizeBytes    *int64     `json:"htmlSizeBytes,omitempty"`
	StorageKey       string     `json:"storageKey,omitempty"`
	ErrorMessage     string     `json:"error,omitempty"`
	RetryCount       int        `json:"retryCount"`
}

// JobUpdate carries the optional fields written alongside a status transition.
type JobUpdate struct {
	At               time.Time
	RenderDurationMs *int64
	HTMLSizeBytes    *int64
	StorageKey       string
	ErrorMessage     string
}

// Artifact is the durable metadata for a cached HTML snapshot.
type Artifact struct {
	NormalizedURL   string     `json:"normalizedUrl"`
	StorageKey      string     `json:"storageKey"`
	HTMLSizeBytes   int64      `json:"htmlSizeBytes"`
	FirstRenderedAt time.Time  `json:"firstRenderedAt"`
	LastAccessedAt  *time.Time `json:"lastAccessedAt,omitempty"`
	AccessCount     int64      `json:"accessCount"`
	InHotTier       bool       `json:"inHotTier"`
}

// CacheLocation identifies which tier served a lookup.
type CacheLocation string

// Cache locations recorded on access records and response headers.
const (
	CacheLocationHot  CacheLocation = "hot"
	CacheLocationCold CacheLocation = "cold"
	CacheLocationNone CacheLocation = "none"
)

// AccessRecord is one append-only entry in the cache access log.
type AccessRecord struct {
	PrincipalID    string
	NormalizedURL  string
	Location       CacheLocation
	ResponseTimeMs int64
	Timestamp      time.Time
}

// RenderOptions tune a single browser render.
type RenderOptions struct {
	WaitForSelector string `json:"waitForSelector,omitempty"`
	TimeoutMs       int    `json:"timeoutMs,omitempty"`
	BlockResources  bool   `json:"blockResources"`
	AutoScroll      bool   `json:"autoScroll"`
}

// Task is the payload carried by the dispatch queue.
type Task struct {
	JobID         string        `json:"jobId"`
	URL           string        `json:"url"`
	NormalizedURL string        `json:"normalizedUrl"`
	PrincipalID   string        `json:"principalId"`
	Options       RenderOptions `json:"options"`
	Attempt       int           `json:"attempt"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
}

// Delivery is a dequeued Task plus its acknowledgement hooks.
type Delivery struct {
	Task Task
	// Headers carries transport metadata such as trace context. May be nil.
	Headers map[string]string
	ack     func()
	nack    func()
}

// NewDelivery wraps a task with the queue's ack/nack callbacks. Either may be nil.
func NewDelivery(task Task, ack, nack func()) Delivery {
	return Delivery{Task: task, ack: ack, nack: nack}
}

// Ack marks the delivery as handled.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack returns the delivery to the queue for redelivery.
func (d Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// RenderRequest asks a Renderer to load a URL.
type RenderRequest struct {
	URL     string
	Options RenderOptions
}

// RenderMetrics describes what happened during a render.
type RenderMetrics struct {
	Duration        time.Duration
	RequestsBlocked int
	RequestsAllowed int
}

// RenderResult is the fully rendered DOM and its metadata.
type RenderResult struct {
	HTML       []byte
	FinalURL   string
	StatusCode int
	Metrics    RenderMetrics
}

// PrincipalSource records how a principal authenticated.
type PrincipalSource string

// Principal sources produced by the authenticator chain.
const (
	PrincipalSourceAPIKey  PrincipalSource = "api_key"
	PrincipalSourceSession PrincipalSource = "session"
)

// Principal is the authenticated caller of the admission API.
type Principal struct {
	ID     string
	Tier   string
	Source PrincipalSource
}

// CompletionEvent is published when a job finishes successfully.
type CompletionEvent struct {
	JobID            string    `json:"job_id"`
	URL              string    `json:"url"`
	NormalizedURL    string    `json:"normalized_url"`
	StorageKey       string    `json:"storage_key"`
	HTMLSizeBytes    int64     `json:"html_size_bytes"`
	RenderDurationMs int64     `json:"render_duration_ms"`
	CompletedAt      time.Time `json:"completed_at"`
}
