package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// TokenMinter issues and verifies hub-local bearer tokens. The format is
// "v1.<payload>.<mac>" with base64url segments; the payload binds the
// principal and an expiry, the mac is HMAC-SHA256 over the payload.
type TokenMinter struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

type tokenClaims struct {
	Principal string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
}

const tokenPrefix = "v1"

func NewTokenMinter(secret []byte, ttl time.Duration) *TokenMinter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenMinter{
		Secret: append([]byte(nil), secret...),
		TTL:    ttl,
		Now:    time.Now,
	}
}

func (m *TokenMinter) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Mint issues a token for principal valid for the configured TTL.
func (m *TokenMinter) Mint(principal string) (string, error) {
	claims := tokenClaims{
		Principal: principal,
		ExpiresAt: m.now().Add(m.TTL).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	encPayload := base64.RawURLEncoding.EncodeToString(payload)
	mac := m.sign(encPayload)
	return tokenPrefix + "." + encPayload + "." + mac, nil
}

func (m *TokenMinter) Verify(_ context.Context, token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return "", ErrUnauthorized
	}
	if !hmac.Equal([]byte(m.sign(parts[1])), []byte(parts[2])) {
		return "", ErrUnauthorized
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrUnauthorized
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrUnauthorized
	}
	if claims.Principal == "" {
		return "", ErrUnauthorized
	}
	if m.now().Unix() >= claims.ExpiresAt {
		return "", ErrUnauthorized
	}
	return claims.Principal, nil
}

func (m *TokenMinter) sign(encPayload string) string {
	h := hmac.New(sha256.New, m.Secret)
	h.Write([]byte(encPayload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
