// Package config handles relay hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file settings.
// Nested keys are separated by a double underscore: RELAY_SERVER__ADDR.
const EnvPrefix = "RELAY_"

// MaxTicketTTL bounds how long an upgrade ticket may live.
const MaxTicketTTL = 60 * time.Second

// MaxReplayBuffer bounds the per-server console replay window.
const MaxReplayBuffer = 200

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateAppKey returns a base64 encoded 32-byte key for sealing daemon secrets.
func GenerateAppKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate app key: %w", err)
	}
	return "base64:" + base64.StdEncoding.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Auth    AuthConfig    `koanf:"auth" yaml:"auth"`
	Panel   PanelConfig   `koanf:"panel" yaml:"panel"`
	Storage StorageConfig `koanf:"storage" yaml:"storage"`
	Tickets TicketConfig  `koanf:"tickets" yaml:"tickets"`
	Wings   WingsConfig   `koanf:"wings" yaml:"wings"`
	Edge    EdgeConfig    `koanf:"edge" yaml:"edge"`
	Console ConsoleConfig `koanf:"console" yaml:"console"`
	Metrics MetricsConfig `koanf:"metrics" yaml:"metrics"`
	Hubs    HubsConfig    `koanf:"hubs" yaml:"hubs"`
	Logging LoggingConfig `koanf:"logging" yaml:"logging"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `koanf:"addr" yaml:"addr"`             // e.g. ":8080"
	PublicURL      string   `koanf:"public_url" yaml:"public_url"` // panel URL; sent as Origin to daemons
	TLSCert        string   `koanf:"tls_cert" yaml:"tls_cert,omitempty"`
	TLSKey         string   `koanf:"tls_key" yaml:"tls_key,omitempty"`
	AllowedOrigins []string `koanf:"allowed_origins" yaml:"allowed_origins,omitempty"` // browser origins; default ["*"]
}

// AuthConfig defines how panel session tokens are validated.
type AuthConfig struct {
	Provider   string `koanf:"provider" yaml:"provider,omitempty"` // "builtin" (default) or "oidc"
	JWTSecret  string `koanf:"jwt_secret" yaml:"jwt_secret,omitempty"`
	OIDCIssuer string `koanf:"oidc_issuer" yaml:"oidc_issuer,omitempty"`
}

// PanelConfig holds panel-wide secrets.
type PanelConfig struct {
	AppKey string `koanf:"app_key" yaml:"app_key"` // unseals node daemon secrets
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `koanf:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `koanf:"dsn" yaml:"dsn"`
}

// TicketConfig defines upgrade ticket settings.
type TicketConfig struct {
	Backend       string   `koanf:"backend" yaml:"backend,omitempty"` // "memory" (default) or "database"
	TTL           Duration `koanf:"ttl" yaml:"ttl,omitempty"`
	PurgeSchedule string   `koanf:"purge_schedule" yaml:"purge_schedule,omitempty"` // cron spec for the database backend
}

// WingsConfig defines daemon-facing settings.
type WingsConfig struct {
	TokenTTL         Duration `koanf:"token_ttl" yaml:"token_ttl,omitempty"`
	HandshakeTimeout Duration `koanf:"handshake_timeout" yaml:"handshake_timeout,omitempty"`
	TLSSkipVerify    bool     `koanf:"tls_skip_verify" yaml:"tls_skip_verify,omitempty"`
}

// EdgeConfig defines upgrade routing settings.
type EdgeConfig struct {
	BindClientIP bool `koanf:"bind_client_ip" yaml:"bind_client_ip,omitempty"` // reject upgrades from a different IP than the ticket's
}

// ConsoleConfig defines console relay behavior.
type ConsoleConfig struct {
	ReplayBuffer    int   `koanf:"replay_buffer" yaml:"replay_buffer,omitempty"`
	MaxMessageBytes int64 `koanf:"max_message_bytes" yaml:"max_message_bytes,omitempty"` // max frame from a browser; default 64KB
}

// MetricsConfig defines node utilization polling.
type MetricsConfig struct {
	PollInterval    Duration `koanf:"poll_interval" yaml:"poll_interval,omitempty"`
	RequestTimeout  Duration `koanf:"request_timeout" yaml:"request_timeout,omitempty"`
	UtilizationPath string   `koanf:"utilization_path" yaml:"utilization_path,omitempty"`
}

// HubsConfig defines actor housekeeping.
type HubsConfig struct {
	SweepSchedule string `koanf:"sweep_schedule" yaml:"sweep_schedule,omitempty"` // cron spec; evicts idle instances
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level,omitempty"`
	Format string `koanf:"format" yaml:"format,omitempty"` // "json" or "text"
}

// Duration is a time.Duration read from strings like "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	dur, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MarshalYAML writes durations in their string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Load reads a YAML config file, applies RELAY_ environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// envKey maps RELAY_SERVER__PUBLIC_URL to server.public_url.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url is required")
	}
	switch c.Auth.Provider {
	case "builtin":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
		}
	case "oidc":
		if c.Auth.OIDCIssuer == "" {
			return fmt.Errorf("auth.oidc_issuer is required when provider is oidc")
		}
	default:
		return fmt.Errorf("unknown auth provider: %q", c.Auth.Provider)
	}
	if c.Panel.AppKey == "" {
		return fmt.Errorf("panel.app_key is required")
	}
	if c.Tickets.TTL.Duration > MaxTicketTTL {
		return fmt.Errorf("tickets.ttl must not exceed %s", MaxTicketTTL)
	}
	if c.Tickets.Backend != "memory" && c.Tickets.Backend != "database" {
		return fmt.Errorf("unknown tickets.backend: %q", c.Tickets.Backend)
	}
	if c.Console.ReplayBuffer > MaxReplayBuffer {
		return fmt.Errorf("console.replay_buffer must not exceed %d", MaxReplayBuffer)
	}
	if c.Metrics.RequestTimeout.Duration > c.Metrics.PollInterval.Duration {
		return fmt.Errorf("metrics.request_timeout must not exceed metrics.poll_interval")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "relay.db"
	}
	if c.Tickets.Backend == "" {
		c.Tickets.Backend = "memory"
	}
	if c.Tickets.TTL.Duration == 0 {
		c.Tickets.TTL.Duration = MaxTicketTTL
	}
	if c.Tickets.PurgeSchedule == "" {
		c.Tickets.PurgeSchedule = "@every 1m"
	}
	if c.Wings.TokenTTL.Duration == 0 {
		c.Wings.TokenTTL.Duration = 10 * time.Minute
	}
	if c.Wings.HandshakeTimeout.Duration == 0 {
		c.Wings.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Console.ReplayBuffer == 0 {
		c.Console.ReplayBuffer = MaxReplayBuffer
	}
	if c.Console.MaxMessageBytes == 0 {
		c.Console.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Metrics.PollInterval.Duration == 0 {
		c.Metrics.PollInterval.Duration = 5 * time.Second
	}
	if c.Metrics.RequestTimeout.Duration == 0 {
		c.Metrics.RequestTimeout.Duration = c.Metrics.PollInterval.Duration * 4 / 5
	}
	if c.Metrics.UtilizationPath == "" {
		c.Metrics.UtilizationPath = "/api/system/utilization"
	}
	if c.Hubs.SweepSchedule == "" {
		c.Hubs.SweepSchedule = "@every 5m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
