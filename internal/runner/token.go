package runner

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, expired, or forged run tokens.
var ErrInvalidToken = errors.New("invalid run token")

// RunClaims scope a realtime subscription to one run and its tags.
type RunClaims struct {
	RunID string   `json:"run_id"`
	Tags  []string `json:"tags,omitempty"`
	jwt.RegisteredClaims
}

// Permits reports whether a snapshot is visible to the holder: the run
// itself, its children, and any run carrying every token tag.
func (c *RunClaims) Permits(s Snapshot) bool {
	if s.RunID == c.RunID || s.ParentRunID == c.RunID {
		return true
	}
	if len(c.Tags) == 0 {
		return false
	}
	for _, t := range c.Tags {
		if !slices.Contains(s.Tags, t) {
			return false
		}
	}
	return true
}

// TokenIssuer signs and verifies HS256 run access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer signing with secret. Tokens expire after ttl.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token for runID scoped to tags.
func (ti *TokenIssuer) Issue(runID string, tags []string) (string, error) {
	now := ti.now()
	claims := RunClaims{
		RunID: runID,
		Tags:  tags,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign run token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns its claims.
func (ti *TokenIssuer) Verify(token string) (*RunClaims, error) {
	claims := &RunClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return ti.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(ti.now))
	if err != nil || !parsed.Valid || claims.RunID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
