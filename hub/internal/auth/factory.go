package auth

import (
	"fmt"

	"github.com/gantry-panel/relay/hub/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "builtin", "":
		return NewService(cfg), nil
	case "oidc":
		return NewOIDCProvider(cfg.OIDCIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
