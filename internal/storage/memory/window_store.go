package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// WindowStore is an in-memory ratelimit.WindowStore.
type WindowStore struct {
	mu      sync.Mutex
	windows map[string][]windowMember
}

type windowMember struct {
	name string
	at   time.Time
}

// NewWindowStore constructs a WindowStore.
func NewWindowStore() *WindowStore {
	return &WindowStore{windows: make(map[string][]windowMember)}
}

// Add evicts expired members, records member, and returns the count and oldest timestamp.
func (s *WindowStore) Add(_ context.Context, key, member string, now time.Time, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.evict(key, now, window)
	idx := sort.Search(len(members), func(i int) bool { return members[i].at.After(now) })
	members = append(members, windowMember{})
	copy(members[idx+1:], members[idx:])
	members[idx] = windowMember{name: member, at: now}
	s.windows[key] = members
	return len(members), members[0].at, nil
}

// Remove deletes a single member.
func (s *WindowStore) Remove(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.windows[key]
	for i, m := range members {
		if m.name == member {
			s.windows[key] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(s.windows[key]) == 0 {
		delete(s.windows, key)
	}
	return nil
}

// Count evicts expired members and reports what remains.
func (s *WindowStore) Count(_ context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.evict(key, now, window)
	if len(members) == 0 {
		delete(s.windows, key)
		return 0, time.Time{}, nil
	}
	return len(members), members[0].at, nil
}

func (s *WindowStore) evict(key string, now time.Time, window time.Duration) []windowMember {
	members := s.windows[key]
	cutoff := now.Add(-window)
	drop := sort.Search(len(members), func(i int) bool { return members[i].at.After(cutoff) })
	members = members[drop:]
	s.windows[key] = members
	return members
}
