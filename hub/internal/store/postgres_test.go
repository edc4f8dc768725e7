package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPostgresMigration verifies that migrations run without error on a fresh database.
func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestPostgresConsoleFlow exercises node -> server -> ticket -> audit against a live database.
func TestPostgresConsoleFlow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	now := time.Now()

	nodeID := "node-" + uuid.New().String()[:8]
	serverID := uuid.New().String()

	if err := s.UpsertNode(ctx, &Node{ID: nodeID, Scheme: "https", FQDN: "n.example.com", DaemonPort: 8080}); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if err := s.UpsertServer(ctx, &Server{UUID: serverID, NodeID: nodeID, OwnerID: "u1"}); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	if err := s.AddSubuser(ctx, serverID, "u2"); err != nil {
		t.Fatalf("AddSubuser: %v", err)
	}
	if err := s.AddSubuser(ctx, serverID, "u2"); err != nil {
		t.Fatalf("AddSubuser (idempotent): %v", err)
	}

	ticketID := uuid.New().String()
	err := s.PutTicket(ctx, &TicketRecord{
		ID: ticketID, Kind: "console", SubjectID: "u2", ResourceID: serverID,
		DaemonURL: "wss://n.example.com:8080", DaemonToken: "tok",
		IssuedAt: now, ExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("PutTicket: %v", err)
	}
	got, err := s.TakeTicket(ctx, ticketID, now)
	if err != nil || got == nil {
		t.Fatalf("TakeTicket: got %+v, %v", got, err)
	}
	if again, _ := s.TakeTicket(ctx, ticketID, now); again != nil {
		t.Fatal("TakeTicket: ticket consumed twice")
	}

	rec := &AuditRecord{
		ID: uuid.New().String(), HubKind: "console", HubID: serverID,
		SubjectID: "u2", EventKind: "console.command", Payload: "list", CreatedAt: now,
	}
	if err := s.AppendAuditRecord(ctx, rec); err != nil {
		t.Fatalf("AppendAuditRecord: %v", err)
	}
	records, err := s.ListAuditRecords(ctx, AuditFilter{HubKind: "console", HubID: serverID})
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	if len(records) != 1 || records[0].Payload != "list" {
		t.Errorf("ListAuditRecords: got %+v", records)
	}
}
