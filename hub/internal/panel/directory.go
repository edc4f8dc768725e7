// Package panel is the relay's read-only view of the panel's servers, nodes
// and subusers, plus the access rules the relay enforces before issuing
// tickets.
package panel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/gantry-panel/relay/hub/internal/auth"
	"github.com/gantry-panel/relay/hub/internal/store"
)

// Resource kinds a ticket can be scoped to.
const (
	KindConsole = "console"
	KindMetrics = "metrics"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Scope names one resource of one kind.
type Scope struct {
	Kind       string
	ResourceID string
}

// Target is what a scope resolves to. Server is nil for metrics scopes.
type Target struct {
	Server *store.Server
	Node   *store.Node
}

// Directory resolves and authorizes panel resources.
type Directory struct {
	store  store.Store
	appKey *[32]byte
}

// NewDirectory creates a Directory. appKey unseals node daemon secrets.
func NewDirectory(s store.Store, appKey string) (*Directory, error) {
	key, err := parseAppKey(appKey)
	if err != nil {
		return nil, err
	}
	return &Directory{store: s, appKey: key}, nil
}

// Server returns the server with the given UUID.
func (d *Directory) Server(ctx context.Context, uuid string) (*store.Server, error) {
	srv, err := d.store.GetServer(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	if srv == nil {
		return nil, ErrNotFound
	}
	return srv, nil
}

// Node returns the node with the given ID.
func (d *Directory) Node(ctx context.Context, id string) (*store.Node, error) {
	node, err := d.store.GetNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	if node == nil {
		return nil, ErrNotFound
	}
	return node, nil
}

// Authorize resolves scope and checks that id may use it. Console access is
// granted to the owner, subusers, and admins; node metrics are admin-only.
func (d *Directory) Authorize(ctx context.Context, id *auth.Identity, scope Scope) (*Target, error) {
	if id == nil {
		return nil, ErrForbidden
	}

	switch scope.Kind {
	case KindConsole:
		srv, err := d.Server(ctx, scope.ResourceID)
		if err != nil {
			return nil, err
		}
		if !id.IsAdmin() && srv.OwnerID != id.UserID {
			ok, err := d.store.IsSubuser(ctx, srv.UUID, id.UserID)
			if err != nil {
				return nil, fmt.Errorf("check subuser: %w", err)
			}
			if !ok {
				return nil, ErrForbidden
			}
		}
		node, err := d.Node(ctx, srv.NodeID)
		if err != nil {
			return nil, err
		}
		return &Target{Server: srv, Node: node}, nil

	case KindMetrics:
		if !id.IsAdmin() {
			return nil, ErrForbidden
		}
		node, err := d.Node(ctx, scope.ResourceID)
		if err != nil {
			return nil, err
		}
		return &Target{Node: node}, nil

	default:
		return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
	}
}

// NodeSecret unseals the node's daemon secret.
func (d *Directory) NodeSecret(node *store.Node) ([]byte, error) {
	secret, err := openToken(d.appKey, node.DaemonTokenSealed)
	if err != nil {
		return nil, fmt.Errorf("unseal daemon secret for node %s: %w", node.ID, err)
	}
	return secret, nil
}

// DaemonURL is the node's HTTP base URL, e.g. https://node1.example.com:8080.
func DaemonURL(node *store.Node) string {
	scheme := "https"
	if node.Scheme == "http" {
		scheme = "http"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(node.FQDN, strconv.Itoa(node.DaemonPort))}
	return u.String()
}

// ConsoleURL is the daemon WebSocket endpoint for one server's console.
func ConsoleURL(node *store.Node, serverUUID string) string {
	scheme := "wss"
	if node.Scheme == "http" {
		scheme = "ws"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(node.FQDN, strconv.Itoa(node.DaemonPort)),
		Path:   "/api/servers/" + serverUUID + "/ws",
	}
	return u.String()
}
