package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HotStore implements render.HotStore on plain Redis strings.
type HotStore struct {
	client redis.UniversalClient
}

// NewHotStore wraps client.
func NewHotStore(client redis.UniversalClient) *HotStore {
	return &HotStore{client: client}
}

// Get returns the value under key. A missing key is a miss, not an error.
func (s *HotStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errors.New("key cannot be empty")
	}
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores value under key with ttl.
func (s *HotStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *HotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
