package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  addr: ":8080"
  public_url: "https://panel.example.com"
auth:
  jwt_secret: "my-secret-key-for-testing-purposes"
panel:
  app_key: "base64:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
`

func TestLoadConfig(t *testing.T) {
	configYAML := `
server:
  addr: ":8080"
  public_url: "https://panel.example.com"
  allowed_origins: ["https://panel.example.com"]
auth:
  provider: builtin
  jwt_secret: "my-super-secret-jwt-key-at-least-32"
panel:
  app_key: "base64:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
storage:
  driver: sqlite
  dsn: test.db
tickets:
  backend: database
  ttl: 30s
wings:
  token_ttl: 5m
  handshake_timeout: 3s
edge:
  bind_client_ip: true
console:
  replay_buffer: 50
  max_message_bytes: 32768
metrics:
  poll_interval: 2s
  request_timeout: 1s
  utilization_path: /api/system/stats
hubs:
  sweep_schedule: "@every 1m"
logging:
  level: debug
  format: text
`

	path := writeTempConfig(t, configYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Server.PublicURL != "https://panel.example.com" {
		t.Errorf("Server.PublicURL: got %q", cfg.Server.PublicURL)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://panel.example.com" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Tickets.Backend != "database" {
		t.Errorf("Tickets.Backend: got %q, want %q", cfg.Tickets.Backend, "database")
	}
	if cfg.Tickets.TTL.Duration != 30*time.Second {
		t.Errorf("Tickets.TTL: got %v, want 30s", cfg.Tickets.TTL.Duration)
	}
	if cfg.Wings.TokenTTL.Duration != 5*time.Minute {
		t.Errorf("Wings.TokenTTL: got %v, want 5m", cfg.Wings.TokenTTL.Duration)
	}
	if cfg.Wings.HandshakeTimeout.Duration != 3*time.Second {
		t.Errorf("Wings.HandshakeTimeout: got %v, want 3s", cfg.Wings.HandshakeTimeout.Duration)
	}
	if !cfg.Edge.BindClientIP {
		t.Error("Edge.BindClientIP: got false, want true")
	}
	if cfg.Console.ReplayBuffer != 50 {
		t.Errorf("Console.ReplayBuffer: got %d, want 50", cfg.Console.ReplayBuffer)
	}
	if cfg.Console.MaxMessageBytes != 32768 {
		t.Errorf("Console.MaxMessageBytes: got %d, want 32768", cfg.Console.MaxMessageBytes)
	}
	if cfg.Metrics.PollInterval.Duration != 2*time.Second {
		t.Errorf("Metrics.PollInterval: got %v, want 2s", cfg.Metrics.PollInterval.Duration)
	}
	if cfg.Metrics.UtilizationPath != "/api/system/stats" {
		t.Errorf("Metrics.UtilizationPath: got %q", cfg.Metrics.UtilizationPath)
	}
	if cfg.Hubs.SweepSchedule != "@every 1m" {
		t.Errorf("Hubs.SweepSchedule: got %q", cfg.Hubs.SweepSchedule)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
}

func TestValidateRequired(t *testing.T) {
	noAddr := `
server:
  public_url: "https://panel.example.com"
auth:
  jwt_secret: "some-secret-value-long-enough-to-pass"
panel:
  app_key: "k"
`
	if _, err := Load(writeTempConfig(t, noAddr)); err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	noSecret := `
server:
  addr: ":8080"
  public_url: "https://panel.example.com"
panel:
  app_key: "k"
`
	if _, err := Load(writeTempConfig(t, noSecret)); err == nil {
		t.Fatal("expected error for missing auth.jwt_secret, got nil")
	}

	noIssuer := `
server:
  addr: ":8080"
  public_url: "https://panel.example.com"
auth:
  provider: oidc
panel:
  app_key: "k"
`
	if _, err := Load(writeTempConfig(t, noIssuer)); err == nil {
		t.Fatal("expected error for oidc without issuer, got nil")
	}
}

func TestValidateBounds(t *testing.T) {
	longTTL := minimalConfig + `
tickets:
  ttl: 2m
`
	_, err := Load(writeTempConfig(t, longTTL))
	if err == nil || !strings.Contains(err.Error(), "tickets.ttl") {
		t.Fatalf("expected tickets.ttl error, got %v", err)
	}

	bigBuffer := minimalConfig + `
console:
  replay_buffer: 500
`
	_, err = Load(writeTempConfig(t, bigBuffer))
	if err == nil || !strings.Contains(err.Error(), "replay_buffer") {
		t.Fatalf("expected replay_buffer error, got %v", err)
	}

	slowPoll := minimalConfig + `
metrics:
  poll_interval: 5s
  request_timeout: 8s
`
	_, err = Load(writeTempConfig(t, slowPoll))
	if err == nil || !strings.Contains(err.Error(), "request_timeout") {
		t.Fatalf("expected request_timeout error, got %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.Provider != "builtin" {
		t.Errorf("default Auth.Provider: got %q, want builtin", cfg.Auth.Provider)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "relay.db" {
		t.Errorf("default Storage: got %+v", cfg.Storage)
	}
	if cfg.Tickets.Backend != "memory" {
		t.Errorf("default Tickets.Backend: got %q, want memory", cfg.Tickets.Backend)
	}
	if cfg.Tickets.TTL.Duration != 60*time.Second {
		t.Errorf("default Tickets.TTL: got %v, want 60s", cfg.Tickets.TTL.Duration)
	}
	if cfg.Wings.HandshakeTimeout.Duration != 10*time.Second {
		t.Errorf("default Wings.HandshakeTimeout: got %v, want 10s", cfg.Wings.HandshakeTimeout.Duration)
	}
	if cfg.Console.ReplayBuffer != 200 {
		t.Errorf("default Console.ReplayBuffer: got %d, want 200", cfg.Console.ReplayBuffer)
	}
	if cfg.Metrics.PollInterval.Duration != 5*time.Second {
		t.Errorf("default Metrics.PollInterval: got %v, want 5s", cfg.Metrics.PollInterval.Duration)
	}
	if cfg.Metrics.RequestTimeout.Duration != 4*time.Second {
		t.Errorf("default Metrics.RequestTimeout: got %v, want 4s", cfg.Metrics.RequestTimeout.Duration)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default Logging: got %+v", cfg.Logging)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_SERVER__ADDR", ":9999")
	t.Setenv("RELAY_METRICS__POLL_INTERVAL", "7s")

	cfg, err := Load(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Server.Addr: got %q, want :9999", cfg.Server.Addr)
	}
	if cfg.Metrics.PollInterval.Duration != 7*time.Second {
		t.Errorf("Metrics.PollInterval: got %v, want 7s", cfg.Metrics.PollInterval.Duration)
	}
	// The default request timeout follows the interval.
	if cfg.Metrics.RequestTimeout.Duration >= 7*time.Second {
		t.Errorf("Metrics.RequestTimeout: got %v, want below the poll interval", cfg.Metrics.RequestTimeout.Duration)
	}
}
