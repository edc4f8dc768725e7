// Package api provides the HTTP surface of the relay hub: ticket issuance,
// the ticketed WebSocket entry points, health checks and admin views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gantry-panel/relay/hub/internal/actor"
	"github.com/gantry-panel/relay/hub/internal/auth"
	"github.com/gantry-panel/relay/hub/internal/config"
	"github.com/gantry-panel/relay/hub/internal/edge"
	"github.com/gantry-panel/relay/hub/internal/panel"
	"github.com/gantry-panel/relay/hub/internal/relay"
	"github.com/gantry-panel/relay/hub/internal/store"
	"github.com/gantry-panel/relay/hub/internal/ticket"
)

// TicketIssuer issues upgrade tickets. *ticket.Broker implements it.
type TicketIssuer interface {
	Issue(ctx context.Context, req ticket.Request) (string, error)
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	tickets      TicketIssuer
	systems      []*actor.System
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
}

// NewServer creates a new API server. systems are listed by the admin hub
// view.
func NewServer(s store.Store, ap auth.Provider, tickets TicketIssuer, er *edge.Router, systems []*actor.System, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: ap,
		tickets:      tickets,
		systems:      systems,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket routes (ticket checked by the edge router)
	mux.Get("/servers/{id}/console", er.Handler(panel.KindConsole))
	mux.Get("/nodes/{id}/metrics", er.Handler(panel.KindMetrics))

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/servers/{id}/console-ticket", srv.handleIssueTicket(panel.KindConsole))
		r.Get("/nodes/{id}/metrics-ticket", srv.handleIssueTicket(panel.KindMetrics))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/admin/hubs", srv.handleAdminListHubs)
			r.Get("/api/admin/servers/{id}/audit", srv.handleAdminListAudit)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Ticket handlers ---

func (s *Server) handleIssueTicket(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		id, err := s.tickets.Issue(r.Context(), ticket.Request{
			Subject:  identity,
			Scope:    ticket.Scope{Kind: kind, ResourceID: chi.URLParam(r, "id")},
			ClientIP: relay.ClientIP(r),
		})
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"ticket": id})
		case errors.Is(err, panel.ErrNotFound):
			writeError(w, http.StatusNotFound, kind+" resource not found")
		case errors.Is(err, panel.ErrForbidden):
			writeError(w, http.StatusForbidden, "access denied")
		default:
			s.logger.Error("ticket issue failed", "kind", kind, "user_id", identity.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to issue ticket")
		}
	}
}

// --- Admin handlers ---

func (s *Server) handleAdminListHubs(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]actor.InstanceInfo, len(s.systems))
	for _, sys := range s.systems {
		out[sys.Kind()] = sys.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	records, err := s.store.ListAuditRecords(r.Context(), store.AuditFilter{
		HubKind:   panel.KindConsole,
		HubID:     chi.URLParam(r, "id"),
		SubjectID: r.URL.Query().Get("subject_id"),
		EventKind: r.URL.Query().Get("event"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.logger.Error("list audit records failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit records")
		return
	}
	if records == nil {
		records = []store.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
