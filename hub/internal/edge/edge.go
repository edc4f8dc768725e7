// Package edge is the public entry point for relay WebSockets. It redeems the
// upgrade ticket before any upgrade happens and forwards the request, with
// the ticket's credentials attached, to the hub service for the resource.
package edge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gantry-panel/relay/hub/internal/relay"
	"github.com/gantry-panel/relay/hub/internal/ticket"
)

// Target accepts forwarded upgrades for one resource kind.
type Target interface {
	ServeUpgrade(w http.ResponseWriter, r *http.Request, resourceID string)
}

// Consumer redeems tickets. *ticket.Broker implements it.
type Consumer interface {
	Consume(ctx context.Context, id string) (*ticket.Ticket, error)
}

// Router validates tickets and dispatches upgrades by resource kind.
type Router struct {
	tickets      Consumer
	targets      map[string]Target
	bindClientIP bool
	logger       *slog.Logger
}

// NewRouter creates a Router. With bindClientIP set, a ticket is only
// accepted from the address it was issued to.
func NewRouter(tickets Consumer, bindClientIP bool, logger *slog.Logger) *Router {
	return &Router{
		tickets:      tickets,
		targets:      make(map[string]Target),
		bindClientIP: bindClientIP,
		logger:       logger.With("component", "edge"),
	}
}

// Register routes upgrades of kind to t.
func (rt *Router) Register(kind string, t Target) {
	rt.targets[kind] = t
}

// Handler serves upgrades of kind for the resource named by the "id" route
// parameter.
func (rt *Router) Handler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt.Serve(w, r, kind, chi.URLParam(r, "id"))
	}
}

// Serve validates the ticket on r and forwards it to the target for kind.
func (rt *Router) Serve(w http.ResponseWriter, r *http.Request, kind, resourceID string) {
	target, ok := rt.targets[kind]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	id := r.URL.Query().Get(relay.TicketParam)
	if id == "" {
		http.Error(w, "missing ticket", http.StatusBadRequest)
		return
	}

	t, err := rt.tickets.Consume(r.Context(), id)
	if err != nil {
		if !errors.Is(err, ticket.ErrNotFound) {
			rt.logger.Error("ticket consume failed", "error", err)
		}
		http.Error(w, "invalid or expired ticket", http.StatusUnauthorized)
		return
	}

	if t.Kind != kind || t.ResourceID != resourceID {
		rt.logger.Warn("ticket used for wrong resource",
			"subject", t.SubjectID, "ticket_kind", t.Kind, "ticket_resource", t.ResourceID,
			"kind", kind, "resource", resourceID)
		http.Error(w, "ticket does not grant this resource", http.StatusForbidden)
		return
	}

	clientIP := relay.ClientIP(r)
	if rt.bindClientIP && t.ClientIP != "" && t.ClientIP != clientIP {
		rt.logger.Warn("ticket presented from a different address",
			"subject", t.SubjectID, "issued_to", t.ClientIP, "client_ip", clientIP)
		http.Error(w, "ticket not valid from this address", http.StatusForbidden)
		return
	}

	forwarded := relay.Attach(r, relay.Attachment{
		SubjectID:   t.SubjectID,
		DaemonURL:   t.DaemonURL,
		DaemonToken: t.DaemonToken,
		ClientIP:    clientIP,
	})
	rt.logger.Debug("forwarding upgrade", "kind", kind, "resource", resourceID, "subject", t.SubjectID)
	target.ServeUpgrade(w, forwarded, resourceID)
}
