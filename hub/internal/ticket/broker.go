package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-panel/relay/hub/internal/auth"
	"github.com/gantry-panel/relay/hub/internal/config"
	"github.com/gantry-panel/relay/hub/internal/panel"
	"github.com/gantry-panel/relay/hub/internal/wings"
)

// Request asks for a ticket to one resource.
type Request struct {
	Subject  *auth.Identity
	Scope    Scope
	ClientIP string
}

// Broker issues tickets after authorizing the subject and signing the daemon
// token the hub will present upstream.
type Broker struct {
	store    Store
	dir      *panel.Directory
	signer   *wings.Signer
	ttl      time.Duration
	tokenTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewBroker creates a Broker. ttl is clamped to config.MaxTicketTTL.
func NewBroker(s Store, dir *panel.Directory, signer *wings.Signer, ttl, tokenTTL time.Duration, logger *slog.Logger) *Broker {
	if ttl <= 0 || ttl > config.MaxTicketTTL {
		ttl = config.MaxTicketTTL
	}
	return &Broker{
		store:    s,
		dir:      dir,
		signer:   signer,
		ttl:      ttl,
		tokenTTL: tokenTTL,
		logger:   logger.With("component", "ticket-broker"),
		now:      time.Now,
	}
}

// Issue authorizes req and stores a new ticket, returning its ID.
// Authorization failures are panel.ErrNotFound or panel.ErrForbidden.
func (b *Broker) Issue(ctx context.Context, req Request) (string, error) {
	target, err := b.dir.Authorize(ctx, req.Subject, req.Scope)
	if err != nil {
		return "", err
	}

	secret, err := b.dir.NodeSecret(target.Node)
	if err != nil {
		return "", err
	}

	var daemonURL string
	var scopes []string
	switch req.Scope.Kind {
	case panel.KindConsole:
		daemonURL = panel.ConsoleURL(target.Node, target.Server.UUID)
		scopes = []string{wings.ScopeWebsocketConnect, wings.ScopeConsoleControl}
	case panel.KindMetrics:
		daemonURL = panel.DaemonURL(target.Node)
		scopes = []string{wings.ScopeNodeUtilization}
	}

	token, err := b.signer.Sign(wings.Grant{
		SubjectID:  req.Subject.UserID,
		ResourceID: req.Scope.ResourceID,
		Scopes:     scopes,
	}, secret, b.tokenTTL)
	if err != nil {
		return "", err
	}

	t := &Ticket{
		ID:          uuid.New().String(),
		SubjectID:   req.Subject.UserID,
		Kind:        req.Scope.Kind,
		ResourceID:  req.Scope.ResourceID,
		DaemonURL:   daemonURL,
		DaemonToken: token,
		ClientIP:    req.ClientIP,
		IssuedAt:    b.now(),
		TTL:         b.ttl,
	}
	if err := b.store.Put(ctx, t); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}

	b.logger.Debug("ticket issued", "kind", t.Kind, "resource", t.ResourceID, "subject", t.SubjectID)
	return t.ID, nil
}

// Consume atomically takes the ticket. A second call for the same ID, or a
// call after expiry, returns ErrNotFound.
func (b *Broker) Consume(ctx context.Context, id string) (*Ticket, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	t, err := b.store.Take(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			b.logger.Warn("ticket lookup failed", "error", err)
		}
		return nil, err
	}
	if !b.now().Before(t.ExpiresAt()) {
		return nil, ErrNotFound
	}
	return t, nil
}

// NodeToken signs a fresh utilization token for nodeID on behalf of
// subjectID. Daemons accept each token once, so the metrics hub asks for a
// new one whenever it has no unused ticket token left to poll with.
func (b *Broker) NodeToken(ctx context.Context, subjectID, nodeID string) (string, error) {
	node, err := b.dir.Node(ctx, nodeID)
	if err != nil {
		return "", err
	}
	secret, err := b.dir.NodeSecret(node)
	if err != nil {
		return "", err
	}
	return b.signer.Sign(wings.Grant{
		SubjectID:  subjectID,
		ResourceID: nodeID,
		Scopes:     []string{wings.ScopeNodeUtilization},
	}, secret, b.tokenTTL)
}
