package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/prerender/internal/render"
)

// ArtifactStore is an in-memory render.ArtifactStore.
type ArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]render.Artifact
}

// NewArtifactStore constructs an ArtifactStore.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{artifacts: make(map[string]render.Artifact)}
}

// UpsertArtifact records a fresh render. Access statistics survive re-renders.
func (s *ArtifactStore) UpsertArtifact(_ context.Context, artifact render.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.artifacts[artifact.NormalizedURL]; ok {
		artifact.FirstRenderedAt = prev.FirstRenderedAt
		artifact.AccessCount = prev.AccessCount
		artifact.LastAccessedAt = prev.LastAccessedAt
	}
	s.artifacts[artifact.NormalizedURL] = artifact
	return nil
}

// TouchArtifact bumps the access counter. Unknown URLs are ignored.
func (s *ArtifactStore) TouchArtifact(_ context.Context, normalizedURL string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[normalizedURL]
	if !ok {
		return nil
	}
	artifact.AccessCount++
	artifact.LastAccessedAt = &at
	s.artifacts[normalizedURL] = artifact
	return nil
}

// SetHotPresence records whether the hot tier holds the artifact.
func (s *ArtifactStore) SetHotPresence(_ context.Context, normalizedURL string, inHot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[normalizedURL]
	if !ok {
		return nil
	}
	artifact.InHotTier = inHot
	s.artifacts[normalizedURL] = artifact
	return nil
}

// GetArtifact returns the artifact for normalizedURL.
func (s *ArtifactStore) GetArtifact(_ context.Context, normalizedURL string) (render.Artifact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[normalizedURL]
	return artifact, ok, nil
}
