package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/JakeFAU/prerender/internal/hash/sha256"
	"github.com/JakeFAU/prerender/internal/render"
)

// KeyStore resolves a SHA-256 key digest to its owner.
type KeyStore interface {
	LookupKey(ctx context.Context, keyHash string) (render.Principal, bool, error)
}

// APIKeyAuthenticator accepts bearer API keys. Only digests are stored or compared.
type APIKeyAuthenticator struct {
	store KeyStore
}

// NewAPIKeyAuthenticator wraps store.
func NewAPIKeyAuthenticator(store KeyStore) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{store: store}
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (render.Principal, bool, error) {
	key := bearerToken(r)
	if key == "" {
		return render.Principal{}, false, nil
	}
	p, ok, err := a.store.LookupKey(r.Context(), sha256.Sum([]byte(key)))
	if err != nil {
		return render.Principal{}, false, fmt.Errorf("lookup api key: %w", err)
	}
	if !ok {
		return render.Principal{}, false, nil
	}
	p.Source = render.PrincipalSourceAPIKey
	return p, true, nil
}
