// Package auth issues the bearer tokens a collaborator presents to the HTTP
// API and to the realtime endpoint. The token carries the identity other
// participants see in presence, signed so the realtime endpoint can trust the
// presence key without a database round trip.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// tokenVersion prefixes every token; tokens of another version never parse.
const tokenVersion = "lr1"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type Claims struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	JTI   string `json:"jti"`
	Exp   int64  `json:"exp"`
}

func (c Claims) ExpiresAt() time.Time { return time.Unix(c.Exp, 0) }

func (c Claims) complete() bool {
	return c.Sub != "" && c.Name != "" && c.JTI != "" && c.Exp != 0
}

// Signer issues and verifies tokens with one HMAC-SHA256 secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: []byte(secret), now: now}
}

// Issue encodes claims as lr1.<payload>.<signature>.
func (s *Signer) Issue(claims Claims) (string, error) {
	if !claims.complete() {
		return "", fmt.Errorf("issue token: sub, name, jti and exp are required")
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	body := tokenVersion + "." + base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + s.sign(body), nil
}

// Parse verifies the signature before it looks at the claims. Expiry is
// checked against the signer's clock.
func (s *Signer) Parse(token string) (Claims, error) {
	cut := strings.LastIndexByte(token, '.')
	if cut <= 0 {
		return Claims{}, ErrInvalidToken
	}
	body, signature := token[:cut], token[cut+1:]
	if !hmac.Equal([]byte(signature), []byte(s.sign(body))) {
		return Claims{}, ErrInvalidToken
	}

	version, payload, ok := strings.Cut(body, ".")
	if !ok || version != tokenVersion {
		return Claims{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil || !claims.complete() {
		return Claims{}, ErrInvalidToken
	}
	if !s.now().Before(claims.ExpiresAt()) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (s *Signer) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
