// Package auth verifies session tokens on requests entering the escrowdesk
// gateway and resolves the caller's viewer relation from the token claims.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowdesk/core/viewer"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// Principal is the authenticated caller.
type Principal struct {
	Subject  string
	Relation viewer.Relation
}

// ErrUnauthenticated covers missing, malformed, or expired session tokens.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Verifier validates HS256 session tokens minted by the platform's identity
// service.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	nowFn    func() time.Time
}

// NewVerifier builds a verifier. Secret is required; issuer and audience are
// enforced when non-empty.
func NewVerifier(secret []byte, issuer, audience string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret required")
	}
	return &Verifier{secret: secret, issuer: issuer, audience: audience, nowFn: time.Now}, nil
}

type sessionClaims struct {
	Relation string `json:"relation"`
	jwt.RegisteredClaims
}

// Verify parses and validates the bearer token from the request.
func (v *Verifier) Verify(r *http.Request) (*Principal, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.nowFn),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject claim required", ErrUnauthenticated)
	}
	return &Principal{
		Subject:  subject,
		Relation: viewer.ParseRelation(claims.Relation),
	}, nil
}

// Middleware rejects unauthenticated requests and stores the principal in the
// request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := v.Verify(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"session invalid or expired"}}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// WithPrincipal stores the principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// FromContext retrieves the authenticated principal, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(*Principal)
	return p, ok
}
