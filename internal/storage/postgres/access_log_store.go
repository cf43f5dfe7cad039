package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/prerender/internal/render"
)

var accessLogColumns = []string{"principal_id", "normalized_url", "cache_location", "response_time_ms", "accessed_at"}

// AccessLogStore appends to cache_access_log using COPY.
type AccessLogStore struct {
	pool Pool
}

// NewAccessLogStore wraps pool.
func NewAccessLogStore(pool Pool) (*AccessLogStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &AccessLogStore{pool: pool}, nil
}

// InsertAccessRecords copies a batch of records in one round trip.
func (s *AccessLogStore) InsertAccessRecords(ctx context.Context, records []render.AccessRecord) error {
	if len(records) == 0 {
		return nil
	}
	src := pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
		r := records[i]
		return []any{r.PrincipalID, r.NormalizedURL, string(r.Location), r.ResponseTimeMs, r.Timestamp}, nil
	})
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"cache_access_log"}, accessLogColumns, src)
	if err != nil {
		return fmt.Errorf("copy access records: %w", err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("copy access records: wrote %d of %d rows", n, len(records))
	}
	return nil
}
