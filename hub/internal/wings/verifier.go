package wings

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
)

// Verifier checks daemon tokens the way a daemon does: signature, time
// window, issuer, and single use of each jti.
type Verifier struct {
	issuer string
	nonces *cache.Cache
}

// NewVerifier creates a Verifier that accepts tokens issued by issuer.
func NewVerifier(issuer string) *Verifier {
	return &Verifier{
		issuer: issuer,
		nonces: cache.New(10*time.Minute, time.Minute),
	}
}

// Verify validates token against the node secret. A jti is remembered until
// the token would have expired anyway; presenting it again returns ErrReplayed.
func (v *Verifier) Verify(token string, secret []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		remaining = time.Second
	}
	// Add fails if the key is already present, which is exactly a replay.
	if err := v.nonces.Add(claims.ID, struct{}{}, remaining); err != nil {
		return nil, ErrReplayed
	}
	return claims, nil
}
