package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			scheme TEXT NOT NULL DEFAULT 'https',
			fqdn TEXT NOT NULL,
			daemon_port INTEGER NOT NULL DEFAULT 8080,
			daemon_token_id TEXT NOT NULL DEFAULT '',
			daemon_token TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS servers (
			uuid TEXT PRIMARY KEY,
			node_id TEXT NOT NULL REFERENCES nodes(id),
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS subusers (
			server_uuid TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (server_uuid, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			hub_kind TEXT NOT NULL,
			hub_id TEXT NOT NULL,
			subject_id TEXT NOT NULL DEFAULT '',
			event_kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_hub ON audit_records(hub_kind, hub_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_subject ON audit_records(subject_id)`,
		`CREATE TABLE IF NOT EXISTS hub_instances (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_active_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE TABLE IF NOT EXISTS hub_state (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (kind, id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			daemon_url TEXT NOT NULL,
			daemon_token TEXT NOT NULL,
			client_ip TEXT NOT NULL DEFAULT '',
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_expires_at ON tickets(expires_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Panel view ---

func (s *SQLiteStore) UpsertNode(ctx context.Context, node *Node) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, name, scheme, fqdn, daemon_port, daemon_token_id, daemon_token) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, scheme=excluded.scheme, fqdn=excluded.fqdn,
		 daemon_port=excluded.daemon_port, daemon_token_id=excluded.daemon_token_id, daemon_token=excluded.daemon_token`,
		node.ID, node.Name, node.Scheme, node.FQDN, node.DaemonPort, node.DaemonTokenID, node.DaemonTokenSealed,
	)
	return err
}

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var n Node
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, scheme, fqdn, daemon_port, daemon_token_id, daemon_token FROM nodes WHERE id = ?", id,
	).Scan(&n.ID, &n.Name, &n.Scheme, &n.FQDN, &n.DaemonPort, &n.DaemonTokenID, &n.DaemonTokenSealed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &n, err
}

func (s *SQLiteStore) UpsertServer(ctx context.Context, srv *Server) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (uuid, node_id, owner_id, name) VALUES (?, ?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET node_id=excluded.node_id, owner_id=excluded.owner_id, name=excluded.name`,
		srv.UUID, srv.NodeID, srv.OwnerID, srv.Name,
	)
	return err
}

func (s *SQLiteStore) GetServer(ctx context.Context, uuid string) (*Server, error) {
	var srv Server
	err := s.db.QueryRowContext(ctx,
		"SELECT uuid, node_id, owner_id, name FROM servers WHERE uuid = ?", uuid,
	).Scan(&srv.UUID, &srv.NodeID, &srv.OwnerID, &srv.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &srv, err
}

func (s *SQLiteStore) AddSubuser(ctx context.Context, serverUUID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO subusers (server_uuid, user_id) VALUES (?, ?)",
		serverUUID, userID,
	)
	return err
}

func (s *SQLiteStore) IsSubuser(ctx context.Context, serverUUID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subusers WHERE server_uuid = ? AND user_id = ?",
		serverUUID, userID,
	).Scan(&count)
	return count > 0, err
}

// --- Audit ---

func (s *SQLiteStore) AppendAuditRecord(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, hub_kind, hub_id, subject_id, event_kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.HubKind, rec.HubID, rec.SubjectID, rec.EventKind, rec.Payload, rec.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := `SELECT id, hub_kind, hub_id, subject_id, event_kind, payload, created_at
	          FROM audit_records WHERE 1=1`
	var args []any

	if filter.HubKind != "" {
		query += " AND hub_kind = ?"
		args = append(args, filter.HubKind)
	}
	if filter.HubID != "" {
		query += " AND hub_id = ?"
		args = append(args, filter.HubID)
	}
	if filter.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, filter.SubjectID)
	}
	if filter.EventKind != "" {
		query += " AND event_kind = ?"
		args = append(args, filter.EventKind)
	}

	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, auditLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.HubKind, &r.HubID, &r.SubjectID, &r.EventKind, &r.Payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Hub instances ---

func (s *SQLiteStore) TouchHubInstance(ctx context.Context, kind, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hub_instances (kind, id, created_at, last_active_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET last_active_at=excluded.last_active_at`,
		kind, id, at, at,
	)
	return err
}

func (s *SQLiteStore) GetHubInstance(ctx context.Context, kind, id string) (*HubInstance, error) {
	var h HubInstance
	err := s.db.QueryRowContext(ctx,
		"SELECT kind, id, created_at, last_active_at FROM hub_instances WHERE kind = ? AND id = ?", kind, id,
	).Scan(&h.Kind, &h.ID, &h.CreatedAt, &h.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &h, err
}

func (s *SQLiteStore) ListHubInstances(ctx context.Context, kind string) ([]HubInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, id, created_at, last_active_at FROM hub_instances WHERE kind = ? ORDER BY last_active_at DESC",
		kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []HubInstance
	for rows.Next() {
		var h HubInstance
		if err := rows.Scan(&h.Kind, &h.ID, &h.CreatedAt, &h.LastActiveAt); err != nil {
			return nil, err
		}
		instances = append(instances, h)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) SaveHubState(ctx context.Context, kind, id, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hub_state (kind, id, key, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, id, key) DO UPDATE SET value=excluded.value`,
		kind, id, key, value,
	)
	return err
}

func (s *SQLiteStore) LoadHubState(ctx context.Context, kind, id, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM hub_state WHERE kind = ? AND id = ? AND key = ?", kind, id, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

// --- Tickets ---

func (s *SQLiteStore) PutTicket(ctx context.Context, t *TicketRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (id, kind, subject_id, resource_id, daemon_url, daemon_token, client_ip, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.SubjectID, t.ResourceID, t.DaemonURL, t.DaemonToken, t.ClientIP,
		t.IssuedAt.UnixNano(), t.ExpiresAt.UnixNano(),
	)
	return err
}

// TakeTicket deletes and returns a ticket in one statement. An expired ticket
// is still deleted but reported as missing.
func (s *SQLiteStore) TakeTicket(ctx context.Context, id string, now time.Time) (*TicketRecord, error) {
	var t TicketRecord
	var issuedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM tickets WHERE id = ?
		 RETURNING id, kind, subject_id, resource_id, daemon_url, daemon_token, client_ip, issued_at, expires_at`, id,
	).Scan(&t.ID, &t.Kind, &t.SubjectID, &t.ResourceID, &t.DaemonURL, &t.DaemonToken, &t.ClientIP, &issuedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.IssuedAt = time.Unix(0, issuedAt)
	t.ExpiresAt = time.Unix(0, expiresAt)
	if !now.Before(t.ExpiresAt) {
		return nil, nil
	}
	return &t, nil
}

func (s *SQLiteStore) PurgeExpiredTickets(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tickets WHERE expires_at <= ?", before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func auditLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
