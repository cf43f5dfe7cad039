package memory

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// HotStore is a bounded LRU with per-entry expiry, standing in for redis
// in single-process deployments.
type HotStore struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	order    *list.List
	entries  map[string]*list.Element
}

type hotEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewHotStore creates a HotStore holding at most capacity entries.
// A non-positive capacity means unbounded.
func NewHotStore(capacity int) *HotStore {
	return &HotStore{
		capacity: capacity,
		now:      time.Now,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns a copy of the value under key if present and not expired.
func (s *HotStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*hotEntry)
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.remove(el)
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores value under key for ttl. A non-positive ttl never expires.
func (s *HotStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	stored := append([]byte(nil), value...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		entry := el.Value.(*hotEntry)
		entry.value = stored
		entry.expiresAt = expiresAt
		s.order.MoveToFront(el)
		return nil
	}
	s.entries[key] = s.order.PushFront(&hotEntry{key: key, value: stored, expiresAt: expiresAt})
	for s.capacity > 0 && s.order.Len() > s.capacity {
		s.remove(s.order.Back())
	}
	return nil
}

// Len reports the number of resident entries, expired or not.
func (s *HotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *HotStore) remove(el *list.Element) {
	s.order.Remove(el)
	delete(s.entries, el.Value.(*hotEntry).key)
}
