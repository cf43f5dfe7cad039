package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/prerender/internal/render"
)

// APIKeyStore resolves hashed API keys from the api_keys table.
type APIKeyStore struct {
	pool Pool
}

// NewAPIKeyStore wraps pool.
func NewAPIKeyStore(pool Pool) (*APIKeyStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &APIKeyStore{pool: pool}, nil
}

// LookupKey returns the principal for an unrevoked key hash.
func (s *APIKeyStore) LookupKey(ctx context.Context, keyHash string) (render.Principal, bool, error) {
	const query = `SELECT principal_id, tier FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`

	p := render.Principal{Source: render.PrincipalSourceAPIKey}
	err := s.pool.QueryRow(ctx, query, keyHash).Scan(&p.ID, &p.Tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return render.Principal{}, false, nil
	}
	if err != nil {
		return render.Principal{}, false, fmt.Errorf("lookup api key: %w", err)
	}
	return p, true, nil
}
