package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/prerender/internal/render"
)

// AccessLogStore appends access records to a slice.
type AccessLogStore struct {
	mu      sync.Mutex
	records []render.AccessRecord
}

// NewAccessLogStore constructs an AccessLogStore.
func NewAccessLogStore() *AccessLogStore {
	return &AccessLogStore{}
}

// InsertAccessRecords appends a batch.
func (s *AccessLogStore) InsertAccessRecords(_ context.Context, records []render.AccessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Records returns a snapshot of everything appended so far.
func (s *AccessLogStore) Records() []render.AccessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]render.AccessRecord(nil), s.records...)
}
