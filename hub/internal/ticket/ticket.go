// Package ticket issues and consumes the single-use tickets that let a
// browser open a relay WebSocket without sending its session token in a URL.
package ticket

import (
	"context"
	"errors"
	"time"

	"github.com/gantry-panel/relay/hub/internal/panel"
)

// ErrNotFound is returned for unknown, expired, or already consumed tickets.
var ErrNotFound = errors.New("ticket not found")

// Scope is the resource a ticket grants access to.
type Scope = panel.Scope

// Ticket is the payload stored between Issue and Consume.
type Ticket struct {
	ID          string
	SubjectID   string
	Kind        string
	ResourceID  string
	DaemonURL   string
	DaemonToken string
	ClientIP    string
	IssuedAt    time.Time
	TTL         time.Duration
}

// ExpiresAt is when the ticket stops being consumable.
func (t *Ticket) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.TTL)
}

// Store holds tickets until they are taken. Take must be atomic: of any
// number of concurrent calls for one ID, at most one returns the ticket.
type Store interface {
	Put(ctx context.Context, t *Ticket) error
	Take(ctx context.Context, id string) (*Ticket, error)
}
