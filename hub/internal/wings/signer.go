// Package wings signs and verifies the short-lived tokens the relay presents
// to node daemons.
//
// A token is an HS256 JWT keyed with the node's daemon secret. Each token
// carries a fresh jti so a daemon can refuse to accept the same token twice.
package wings

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scopes granted to daemon tokens.
const (
	ScopeWebsocketConnect = "websocket.connect"
	ScopeConsoleControl   = "control.console"
	ScopeNodeUtilization  = "node.utilization"
)

var (
	ErrInvalidToken = errors.New("invalid daemon token")
	ErrReplayed     = errors.New("daemon token already used")
)

// Grant describes what a signed token permits.
type Grant struct {
	SubjectID  string
	ResourceID string
	Scopes     []string
}

// Claims is the JWT payload understood by daemons.
type Claims struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the claims grant scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Signer issues daemon tokens on behalf of the panel.
type Signer struct {
	issuer string
	now    func() time.Time
}

// NewSigner creates a Signer whose tokens name issuer (the panel URL) as iss.
func NewSigner(issuer string) *Signer {
	return &Signer{issuer: issuer, now: time.Now}
}

// Sign returns a token for g, keyed with the node secret and valid for ttl.
func (s *Signer) Sign(g Grant, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("sign daemon token: empty node secret")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("sign daemon token: ttl must be positive")
	}

	now := s.now()
	claims := &Claims{
		ResourceID: g.ResourceID,
		Scopes:     g.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   g.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign daemon token: %w", err)
	}
	return signed, nil
}
