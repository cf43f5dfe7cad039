// Package auth resolves the caller of the admission API through an ordered
// list of authentication strategies.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/prerender/internal/render"
)

// Authenticator is one strategy. It returns ok=false when the request carries
// no credential it recognizes, so the next strategy can try.
type Authenticator interface {
	Authenticate(r *http.Request) (render.Principal, bool, error)
}

// Chain tries each Authenticator in order; the first success wins.
type Chain struct {
	strategies []Authenticator
}

// NewChain builds a Chain. Nil strategies are skipped.
func NewChain(strategies ...Authenticator) *Chain {
	c := &Chain{}
	for _, s := range strategies {
		if s != nil {
			c.strategies = append(c.strategies, s)
		}
	}
	return c
}

// Authenticate returns the principal or render.ErrUnauthenticated.
func (c *Chain) Authenticate(r *http.Request) (render.Principal, error) {
	for _, s := range c.strategies {
		p, ok, err := s.Authenticate(r)
		if err != nil {
			return render.Principal{}, fmt.Errorf("authenticate: %w", err)
		}
		if ok {
			return p, nil
		}
	}
	return render.Principal{}, render.ErrUnauthenticated
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p render.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (render.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(render.Principal)
	return p, ok
}

// Middleware authenticates every request and stores the principal on its
// context. Failures go to onFailure, which writes the response.
func Middleware(chain *Chain, onFailure func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := chain.Authenticate(r)
			if err != nil {
				onFailure(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
