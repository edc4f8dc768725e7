// Package store defines the storage interface for the relay hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Panel view (servers, nodes, subusers). The relay only reads these in
	// production; the write methods exist for standalone deployments and tests.
	UpsertNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	UpsertServer(ctx context.Context, srv *Server) error
	GetServer(ctx context.Context, uuid string) (*Server, error)
	AddSubuser(ctx context.Context, serverUUID, userID string) error
	IsSubuser(ctx context.Context, serverUUID, userID string) (bool, error)

	// Audit (append-only)
	AppendAuditRecord(ctx context.Context, rec *AuditRecord) error
	ListAuditRecords(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)

	// Hub instances and their durable state
	TouchHubInstance(ctx context.Context, kind, id string, at time.Time) error
	GetHubInstance(ctx context.Context, kind, id string) (*HubInstance, error)
	ListHubInstances(ctx context.Context, kind string) ([]HubInstance, error)
	SaveHubState(ctx context.Context, kind, id, key string, value []byte) error
	LoadHubState(ctx context.Context, kind, id, key string) ([]byte, error)

	// Tickets
	PutTicket(ctx context.Context, t *TicketRecord) error
	TakeTicket(ctx context.Context, id string, now time.Time) (*TicketRecord, error)
	PurgeExpiredTickets(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Node is a host machine running the daemon.
type Node struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Scheme            string `json:"scheme"` // "http" or "https"
	FQDN              string `json:"fqdn"`
	DaemonPort        int    `json:"daemon_port"`
	DaemonTokenID     string `json:"daemon_token_id"`
	DaemonTokenSealed string `json:"-"` // secretbox sealed, base64
}

// Server is a hosted game server.
type Server struct {
	UUID    string `json:"uuid"`
	NodeID  string `json:"node_id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

// AuditRecord is an append-only log entry written by a hub.
type AuditRecord struct {
	ID        string    `json:"id"`
	HubKind   string    `json:"hub_kind"`
	HubID     string    `json:"hub_id"`
	SubjectID string    `json:"subject_id"`
	EventKind string    `json:"event_kind"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditFilter specifies criteria for listing audit records.
type AuditFilter struct {
	HubKind   string
	HubID     string
	SubjectID string
	EventKind string
	Limit     int
	Offset    int
}

// HubInstance records that an identity-addressed hub has been materialized.
type HubInstance struct {
	Kind         string    `json:"kind"`
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// TicketRecord is a persisted upgrade ticket.
type TicketRecord struct {
	ID          string
	Kind        string
	SubjectID   string
	ResourceID  string
	DaemonURL   string
	DaemonToken string
	ClientIP    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}
