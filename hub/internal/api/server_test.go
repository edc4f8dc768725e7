package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gantry-panel/relay/hub/internal/actor"
	"github.com/gantry-panel/relay/hub/internal/auth"
	"github.com/gantry-panel/relay/hub/internal/config"
	"github.com/gantry-panel/relay/hub/internal/edge"
	"github.com/gantry-panel/relay/hub/internal/panel"
	"github.com/gantry-panel/relay/hub/internal/relay"
	"github.com/gantry-panel/relay/hub/internal/store"
	"github.com/gantry-panel/relay/hub/internal/ticket"
	"github.com/gantry-panel/relay/hub/internal/wings"
)

const (
	testSecret = "test-secret-at-least-32-chars-long"
	testAppKey = "base64:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
)

type stubTarget struct {
	calls    int
	resource string
	att      relay.Attachment
}

func (s *stubTarget) ServeUpgrade(w http.ResponseWriter, r *http.Request, resourceID string) {
	s.calls++
	s.resource = resourceID
	s.att, _ = relay.AttachmentFrom(r)
	w.WriteHeader(http.StatusNoContent)
}

type testEnv struct {
	srv     *Server
	authSvc *auth.Service
	store   store.Store
	console *stubTarget
	metrics *stubTarget
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			PublicURL:      "https://panel.example.com",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{JWTSecret: testSecret},
	}

	ctx := context.Background()
	sealed, err := panel.SealToken(testAppKey, []byte("node-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertNode(ctx, &store.Node{ID: "node-1", Scheme: "https", FQDN: "node1.example.com", DaemonPort: 8080, DaemonTokenSealed: sealed}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertServer(ctx, &store.Server{UUID: "srv-1", NodeID: "node-1", OwnerID: "owner"}); err != nil {
		t.Fatal(err)
	}
	dir, err := panel.NewDirectory(s, testAppKey)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := auth.NewService(cfg.Auth)
	broker := ticket.NewBroker(ticket.NewMemoryStore(), dir, wings.NewSigner(cfg.Server.PublicURL), 30*time.Second, time.Minute, logger)

	env := &testEnv{authSvc: authSvc, store: s, console: &stubTarget{}, metrics: &stubTarget{}}
	er := edge.NewRouter(broker, false, logger)
	er.Register(panel.KindConsole, env.console)
	er.Register(panel.KindMetrics, env.metrics)

	sys := actor.NewSystem("console", func(string) actor.Behavior { return nil }, nil, logger)
	env.srv = NewServer(s, authSvc, broker, er, []*actor.System{sys}, cfg, logger)
	return env
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := e.authSvc.IssueToken(auth.Identity{UserID: userID, Username: userID, Role: role}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.mux.ServeHTTP(w, req)
	return w
}

func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v; body: %s", err, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status: got %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := setupTestServer(t)
	if w := env.do(t, "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	_ = env.store.Close()
	if w := env.do(t, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 after store close, got %d", w.Code)
	}
}

func TestConsoleTicketFlow(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "/servers/srv-1/console-ticket", env.token(t, "owner", "user"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["ticket"] == "" {
		t.Fatal("expected a ticket in the response")
	}

	w = env.do(t, "/servers/srv-1/console?ticket="+resp["ticket"], "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("upgrade: expected status 204, got %d; body: %s", w.Code, w.Body.String())
	}
	if env.console.calls != 1 || env.console.resource != "srv-1" {
		t.Fatalf("console target: got %d calls for %q", env.console.calls, env.console.resource)
	}
	if env.console.att.SubjectID != "owner" {
		t.Errorf("SubjectID: got %q, want %q", env.console.att.SubjectID, "owner")
	}
	if env.console.att.DaemonURL != "wss://node1.example.com:8080/api/servers/srv-1/ws" {
		t.Errorf("DaemonURL: got %q", env.console.att.DaemonURL)
	}

	claims, err := wings.NewVerifier("https://panel.example.com").Verify(env.console.att.DaemonToken, []byte("node-secret"))
	if err != nil {
		t.Fatalf("daemon token: %v", err)
	}
	if claims.ResourceID != "srv-1" || !claims.HasScope(wings.ScopeConsoleControl) {
		t.Errorf("daemon token claims: got %+v", claims)
	}

	// Second use of the same ticket.
	w = env.do(t, "/servers/srv-1/console?ticket="+resp["ticket"], "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("reuse: expected status 401, got %d", w.Code)
	}
}

func TestTicketErrors(t *testing.T) {
	env := setupTestServer(t)
	user := env.token(t, "stranger", "user")
	admin := env.token(t, "root", "admin")

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"no token", "/servers/srv-1/console-ticket", "", http.StatusUnauthorized},
		{"bad token", "/servers/srv-1/console-ticket", "garbage", http.StatusUnauthorized},
		{"not owner", "/servers/srv-1/console-ticket", user, http.StatusForbidden},
		{"unknown server", "/servers/nope/console-ticket", admin, http.StatusNotFound},
		{"metrics as user", "/nodes/node-1/metrics-ticket", user, http.StatusForbidden},
		{"metrics as admin", "/nodes/node-1/metrics-ticket", admin, http.StatusOK},
		{"unknown node", "/nodes/nope/metrics-ticket", admin, http.StatusNotFound},
		{"upgrade without ticket", "/nodes/node-1/metrics", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.path, tt.token)
			if w.Code != tt.want {
				t.Errorf("expected status %d, got %d; body: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAdminRoutes(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	for i, kind := range []string{"console.connect", "console.command", "console.disconnect"} {
		if err := env.store.AppendAuditRecord(ctx, &store.AuditRecord{
			ID: kind, HubKind: "console", HubID: "srv-1", SubjectID: "owner",
			EventKind: kind, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	if w := env.do(t, "/api/admin/hubs", env.token(t, "owner", "user")); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected status 403, got %d", w.Code)
	}

	admin := env.token(t, "root", "admin")
	w := env.do(t, "/api/admin/hubs", admin)
	if w.Code != http.StatusOK {
		t.Fatalf("hubs: expected status 200, got %d", w.Code)
	}
	var hubs map[string][]actor.InstanceInfo
	parseJSONResponse(t, w, &hubs)
	if _, ok := hubs["console"]; !ok {
		t.Errorf("hubs: missing console kind in %v", hubs)
	}

	w = env.do(t, "/api/admin/servers/srv-1/audit?limit=2", admin)
	if w.Code != http.StatusOK {
		t.Fatalf("audit: expected status 200, got %d", w.Code)
	}
	var records []store.AuditRecord
	parseJSONResponse(t, w, &records)
	if len(records) != 2 {
		t.Fatalf("audit: got %d records, want 2", len(records))
	}
	if records[0].EventKind != "console.disconnect" {
		t.Errorf("audit order: got %q first, want newest", records[0].EventKind)
	}

	w = env.do(t, "/api/admin/servers/srv-1/audit?event=console.command", admin)
	parseJSONResponse(t, w, &records)
	if len(records) != 1 || records[0].EventKind != "console.command" {
		t.Errorf("audit filter: got %+v", records)
	}
}
