package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowStore implements ratelimit.WindowStore with one sorted set per key,
// scored by millisecond timestamps. Each Add runs as a single MULTI/EXEC so
// concurrent admissions across processes observe a consistent count.
type WindowStore struct {
	client redis.UniversalClient
}

// NewWindowStore wraps client.
func NewWindowStore(client redis.UniversalClient) *WindowStore {
	return &WindowStore{client: client}
}

// Add evicts expired members, records member, and returns the count and oldest timestamp.
func (s *WindowStore) Add(ctx context.Context, key, member string, now time.Time, window time.Duration) (int, time.Time, error) {
	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoffScore(now, window))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis window add: %w", err)
	}
	return int(card.Val()), oldestTime(oldest.Val()), nil
}

// Remove deletes a single member.
func (s *WindowStore) Remove(ctx context.Context, key, member string) error {
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Count evicts expired members and reports what remains.
func (s *WindowStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoffScore(now, window))
		card = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis window count: %w", err)
	}
	return int(card.Val()), oldestTime(oldest.Val()), nil
}

func cutoffScore(now time.Time, window time.Duration) string {
	return strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
}

func oldestTime(zs []redis.Z) time.Time {
	if len(zs) == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(zs[0].Score)).UTC()
}
