package memory

import (
	"context"

	"github.com/JakeFAU/prerender/internal/hash/sha256"
	"github.com/JakeFAU/prerender/internal/render"
)

// APIKeyStore resolves statically configured API keys.
type APIKeyStore struct {
	byHash map[string]render.Principal
}

// StaticKey is one configured API key.
type StaticKey struct {
	Key         string
	PrincipalID string
	Tier        string
}

// NewAPIKeyStore indexes keys by their SHA-256 digest.
func NewAPIKeyStore(keys []StaticKey) *APIKeyStore {
	byHash := make(map[string]render.Principal, len(keys))
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		byHash[sha256.Sum([]byte(k.Key))] = render.Principal{
			ID:     k.PrincipalID,
			Tier:   k.Tier,
			Source: render.PrincipalSourceAPIKey,
		}
	}
	return &APIKeyStore{byHash: byHash}
}

// LookupKey returns the principal owning keyHash.
func (s *APIKeyStore) LookupKey(_ context.Context, keyHash string) (render.Principal, bool, error) {
	p, ok := s.byHash[keyHash]
	return p, ok, nil
}
