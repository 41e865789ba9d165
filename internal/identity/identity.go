// Package identity is the credential gate: it maps bearer tokens and
// principal/secret pairs to principal identifiers. It never mutates state;
// every failure is a hard rejection.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// TokenVerifier validates a bearer token and resolves the principal it was
// issued to. Implementations: TokenMinter (hub-local HMAC tokens) and
// StaticTokens (tests).
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (principal string, err error)
}

// StaticTokens resolves tokens from a fixed map.
type StaticTokens map[string]string

func (m StaticTokens) Verify(_ context.Context, token string) (string, error) {
	principal, ok := m[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return principal, nil
}

// FromRequest extracts the bearer token from an Authorization header and
// verifies it.
func FromRequest(ctx context.Context, v TokenVerifier, r *http.Request) (string, error) {
	token, ok := parseBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return "", ErrUnauthorized
	}
	return v.Verify(ctx, token)
}

func parseBearerToken(raw string) (string, bool) {
	h := strings.TrimSpace(raw)
	if len(h) < 7 {
		return "", false
	}
	if !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	if token == "" {
		return "", false
	}
	return token, true
}
