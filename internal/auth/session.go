package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JakeFAU/prerender/internal/render"
)

// SessionCookie is the cookie the dashboard sets after sign-in.
const SessionCookie = "__session"

type sessionClaims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// SessionAuthenticator accepts HS256 session tokens from the dashboard,
// either as the __session cookie or as a bearer token.
type SessionAuthenticator struct {
	secret      []byte
	defaultTier string
	parser      *jwt.Parser
}

// NewSessionAuthenticator returns nil when secret is empty; a nil
// SessionAuthenticator never authenticates.
func NewSessionAuthenticator(secret, issuer, defaultTier string) *SessionAuthenticator {
	if secret == "" {
		return nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &SessionAuthenticator{
		secret:      []byte(secret),
		defaultTier: defaultTier,
		parser:      jwt.NewParser(opts...),
	}
}

// Authenticate implements Authenticator. Invalid or expired tokens are
// treated as absent.
func (a *SessionAuthenticator) Authenticate(r *http.Request) (render.Principal, bool, error) {
	if a == nil {
		return render.Principal{}, false, nil
	}
	for _, raw := range a.candidates(r) {
		if p, ok := a.parse(raw); ok {
			return p, true, nil
		}
	}
	return render.Principal{}, false, nil
}

func (a *SessionAuthenticator) candidates(r *http.Request) []string {
	var out []string
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		out = append(out, c.Value)
	}
	// API keys are opaque; only dotted three-part bearers can be JWTs.
	if token := bearerToken(r); strings.Count(token, ".") == 2 {
		out = append(out, token)
	}
	return out
}

func (a *SessionAuthenticator) parse(raw string) (render.Principal, bool) {
	var claims sessionClaims
	_, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || claims.Subject == "" {
		return render.Principal{}, false
	}
	tier := claims.Tier
	if tier == "" {
		tier = a.defaultTier
	}
	return render.Principal{ID: claims.Subject, Tier: tier, Source: render.PrincipalSourceSession}, true
}

var errEmptySecret = errors.New("session secret is required")

// IssueSessionToken signs a session token. The dashboard normally does this;
// it is exported for tooling and tests.
func IssueSessionToken(secret, subject, tier string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errEmptySecret
	}
	now := time.Now()
	claims := sessionClaims{
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
