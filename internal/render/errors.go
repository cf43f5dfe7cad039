package render

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by stores and the admission path.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobInFlight       = errors.New("job already in flight for url")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrUnauthenticated   = errors.New("unauthenticated")
)

// InvalidURLError reports input that cannot be parsed as an absolute URL.
type InvalidURLError struct {
	URL string
	Err error
}

func (e *InvalidURLError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid url %q: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("invalid url %q", e.URL)
}

func (e *InvalidURLError) Unwrap() error { return e.Err }

// SecurityReason categorizes an SSRF rejection.
type SecurityReason string

// SSRF rejection categories.
const (
	ReasonLocalhost  SecurityReason = "localhost"
	ReasonPrivateIP  SecurityReason = "private-ip"
	ReasonMetadata   SecurityReason = "metadata"
	ReasonInvalidURL SecurityReason = "invalid-url"
)

// SecurityRejectedError reports a URL that targets internal infrastructure.
type SecurityRejectedError struct {
	URL    string
	Reason SecurityReason
	Detail string
}

func (e *SecurityRejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("url blocked (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("url blocked (%s)", e.Reason)
}

// RateLimitExceededError reports a principal that exhausted its window.
type RateLimitExceededError struct {
	Limit     int
	Used      int
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d used, resets at %s",
		e.Used, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// RenderTimeoutError reports a render that exceeded its deadline.
type RenderTimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *RenderTimeoutError) Error() string {
	return fmt.Sprintf("render timed out after %s: %s", e.Timeout, e.URL)
}

func (e *RenderTimeoutError) Unwrap() error { return e.Err }

// RenderNavigationError reports a browser navigation or evaluation failure.
type RenderNavigationError struct {
	URL string
	Err error
}

func (e *RenderNavigationError) Error() string {
	return fmt.Sprintf("render navigation failed for %s: %v", e.URL, e.Err)
}

func (e *RenderNavigationError) Unwrap() error { return e.Err }

// StorageWriteError reports a failed cache tier write.
type StorageWriteError struct {
	Tier string
	Key  string
	Err  error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("%s store write %q: %v", e.Tier, e.Key, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// QueueDeliveryExhaustedError reports a task that used its whole retry budget.
type QueueDeliveryExhaustedError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *QueueDeliveryExhaustedError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *QueueDeliveryExhaustedError) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	var sec *SecurityRejectedError
	if errors.As(err, &sec) {
		return true
	}
	var inv *InvalidURLError
	if errors.As(err, &inv) {
		return true
	}
	return errors.Is(err, ErrJobNotFound)
}
