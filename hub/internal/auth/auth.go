// Package auth validates panel session tokens presented to the relay.
// Tokens are issued elsewhere; the relay only checks them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gantry-panel/relay/hub/internal/config"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims represents the JWT token claims.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Service validates HS256 session tokens signed with the shared panel secret.
type Service struct {
	jwtSecret []byte
}

// NewService creates a new auth service.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{jwtSecret: []byte(cfg.JWTSecret)}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// ValidateToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, ErrUnauthorized
	}
	role := claims.Role
	if role == "" {
		role = "user"
	}
	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     role,
	}, nil
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

// IssueToken signs a session token. The panel normally does this; the relay
// exposes it for tooling and tests.
func (s *Service) IssueToken(id Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   id.UserID,
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
