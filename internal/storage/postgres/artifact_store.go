package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/prerender/internal/render"
)

// ArtifactStore implements render.ArtifactStore on the cached_artifacts table.
type ArtifactStore struct {
	pool Pool
}

// NewArtifactStore wraps pool.
func NewArtifactStore(pool Pool) (*ArtifactStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ArtifactStore{pool: pool}, nil
}

// UpsertArtifact records a fresh render. first_rendered_at and the access
// counters are preserved across re-renders.
func (s *ArtifactStore) UpsertArtifact(ctx context.Context, artifact render.Artifact) error {
	const query = `
INSERT INTO cached_artifacts (normalized_url, storage_key, html_size_bytes, first_rendered_at, in_hot_tier)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (normalized_url) DO UPDATE SET
	storage_key = EXCLUDED.storage_key,
	html_size_bytes = EXCLUDED.html_size_bytes,
	in_hot_tier = EXCLUDED.in_hot_tier`

	_, err := s.pool.Exec(ctx, query,
		artifact.NormalizedURL,
		artifact.StorageKey,
		artifact.HTMLSizeBytes,
		artifact.FirstRenderedAt,
		artifact.InHotTier,
	)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// TouchArtifact increments access_count and stamps last_accessed_at.
func (s *ArtifactStore) TouchArtifact(ctx context.Context, normalizedURL string, at time.Time) error {
	const query = `
UPDATE cached_artifacts SET access_count = access_count + 1, last_accessed_at = $2
WHERE normalized_url = $1`

	if _, err := s.pool.Exec(ctx, query, normalizedURL, at); err != nil {
		return fmt.Errorf("touch artifact: %w", err)
	}
	return nil
}

// SetHotPresence records whether the hot tier currently holds the artifact.
func (s *ArtifactStore) SetHotPresence(ctx context.Context, normalizedURL string, inHot bool) error {
	const query = `UPDATE cached_artifacts SET in_hot_tier = $2 WHERE normalized_url = $1`

	if _, err := s.pool.Exec(ctx, query, normalizedURL, inHot); err != nil {
		return fmt.Errorf("set hot presence: %w", err)
	}
	return nil
}

// GetArtifact returns the metadata row for normalizedURL.
func (s *ArtifactStore) GetArtifact(ctx context.Context, normalizedURL string) (render.Artifact, bool, error) {
	const query = `
SELECT normalized_url, storage_key, html_size_bytes, first_rendered_at, last_accessed_at, access_count, in_hot_tier
FROM cached_artifacts
WHERE normalized_url = $1`

	var a render.Artifact
	err := s.pool.QueryRow(ctx, query, normalizedURL).Scan(
		&a.NormalizedURL,
		&a.StorageKey,
		&a.HTMLSizeBytes,
		&a.FirstRenderedAt,
		&a.LastAccessedAt,
		&a.AccessCount,
		&a.InHotTier,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return render.Artifact{}, false, nil
	}
	if err != nil {
		return render.Artifact{}, false, fmt.Errorf("get artifact: %w", err)
	}
	return a, true, nil
}
