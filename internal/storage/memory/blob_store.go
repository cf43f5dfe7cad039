// Package memory provides process-local stores for development and tests.
// Every store is mutex-guarded and safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore keeps cold-tier objects in memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject stores a copy of the content under path.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}

	s.mu.Lock()
	s.data[path] = byteData
	s.mu.Unlock()
	return "memory://" + path, nil
}

// GetObject returns a copy of the content stored under path.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}
