package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gantry-panel/relay/hub/internal/config"
	"github.com/gantry-panel/relay/pkg/cli"
)

func runWizard(t *testing.T, answers ...string) *config.Config {
	t.Helper()
	input := strings.Join(answers, "\n") + "\n"
	p := &cli.Prompter{In: strings.NewReader(input), Out: &bytes.Buffer{}}

	outputPath := filepath.Join(t.TempDir(), "hub-config.yaml")
	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config mode = %o, want 600", perm)
	}

	cfg, err := config.Load(outputPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	return cfg
}

func TestWizard_SQLite(t *testing.T) {
	cfg := runWizard(t,
		":9090",              // listen address
		"https://panel.test", // public URL
		"1",                  // provider: builtin
		"",                   // generate JWT secret
		"",                   // generate app key
		"1",                  // storage: sqlite
		"./data/relay.db",    // sqlite path
		"2",                  // tickets: database
		"30s",                // ticket TTL
		"150",                // replay frames
		"y",                  // bind client IP
	)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Server.PublicURL != "https://panel.test" {
		t.Errorf("server.public_url = %q", cfg.Server.PublicURL)
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if !strings.HasPrefix(cfg.Panel.AppKey, "base64:") {
		t.Errorf("panel.app_key = %q, want a base64: key", cfg.Panel.AppKey)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "./data/relay.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Tickets.Backend != "database" {
		t.Errorf("tickets.backend = %q, want %q", cfg.Tickets.Backend, "database")
	}
	if cfg.Tickets.TTL.Duration != 30*time.Second {
		t.Errorf("tickets.ttl = %s, want 30s", cfg.Tickets.TTL.Duration)
	}
	if cfg.Console.ReplayBuffer != 150 {
		t.Errorf("console.replay_buffer = %d, want 150", cfg.Console.ReplayBuffer)
	}
	if !cfg.Edge.BindClientIP {
		t.Error("edge.bind_client_ip = false, want true")
	}
}

func TestWizard_OIDCPostgres(t *testing.T) {
	cfg := runWizard(t,
		"",                          // listen address (default)
		"https://panel.example.com", // public URL
		"2",                         // provider: oidc
		"https://auth.example.com",  // issuer
		"base64:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		"2", // storage: postgres
		"postgres://relay:pass@db:5432/panel",
		"", // tickets: memory (default)
		"", // ticket TTL (default)
		"", // replay frames (default)
		"", // bind client IP (default no)
	)

	if cfg.Auth.Provider != "oidc" || cfg.Auth.OIDCIssuer != "https://auth.example.com" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Tickets.TTL.Duration != config.MaxTicketTTL {
		t.Errorf("tickets.ttl = %s, want %s", cfg.Tickets.TTL.Duration, config.MaxTicketTTL)
	}
	if cfg.Console.ReplayBuffer != config.MaxReplayBuffer {
		t.Errorf("console.replay_buffer = %d, want %d", cfg.Console.ReplayBuffer, config.MaxReplayBuffer)
	}
	if cfg.Edge.BindClientIP {
		t.Error("edge.bind_client_ip = true, want false")
	}
}

func TestRunDefaults(t *testing.T) {
	t.Setenv("RELAY_PUBLIC_URL", "https://panel.prod.example.com")
	t.Setenv("RELAY_STORAGE_DSN", filepath.Join(t.TempDir(), "relay.db"))

	outputPath := filepath.Join(t.TempDir(), "hub-config.yaml")
	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	if err := w.RunDefaults(outputPath); err != nil {
		t.Fatalf("RunDefaults: %v", err)
	}

	cfg, err := config.Load(outputPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.PublicURL != "https://panel.prod.example.com" {
		t.Errorf("server.public_url = %q", cfg.Server.PublicURL)
	}
	if cfg.Tickets.TTL.Duration != 30*time.Second {
		t.Errorf("tickets.ttl = %s, want 30s", cfg.Tickets.TTL.Duration)
	}
}

func TestRunDefaults_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("RELAY_STORAGE_DRIVER", "postgres")
	t.Setenv("RELAY_STORAGE_DSN", "")

	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	if err := w.RunDefaults(filepath.Join(t.TempDir(), "x.yaml")); err == nil {
		t.Fatal("expected error when postgres DSN is missing")
	}
}
