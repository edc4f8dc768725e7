package auth

import "context"

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // panel user ID
	Username string
	Role     string // "admin" or "user"
}

// IsAdmin reports whether the identity carries the panel admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == "admin"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}
