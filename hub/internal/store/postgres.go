package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (server_uuid, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			hub_kind TEXT NOT NULL,
			hub_id TEXT NOT NULL,
			subject_id TEXT NOT NULL DEFAULT '',
			event_kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_hub ON audit_records(hub_kind, hub_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_subject ON audit_records(subject_id)`,
		`CREATE TABLE IF NOT EXISTS hub_instances (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, id)
		)`,
		`CREATE TABLE IF NOT EXISTS hub_state (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			key TEXT NOT NULL,
			value BYTEA NOT NULL,
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
			issued_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Panel view ---

func (s *PostgresStore) UpsertNode(ctx context.Context, node *Node) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, name, scheme, fqdn, daemon_port, daemon_token_id, daemon_token) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(id) DO UPDATE SET name=EXCLUDED.name, scheme=EXCLUDED.scheme, fqdn=EXCLUDED.fqdn,
		 daemon_port=EXCLUDED.daemon_port, daemon_token_id=EXCLUDED.daemon_token_id, daemon_token=EXCLUDED.daemon_token`,
		node.ID, node.Name, node.Scheme, node.FQDN, node.DaemonPort, node.DaemonTokenID, node.DaemonTokenSealed,
	)
	return err
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var n Node
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, scheme, fqdn, daemon_port, daemon_token_id, daemon_token FROM nodes WHERE id = $1", id,
	).Scan(&n.ID, &n.Name, &n.Scheme, &n.FQDN, &n.DaemonPort, &n.DaemonTokenID, &n.DaemonTokenSealed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &n, err
}

func (s *PostgresStore) UpsertServer(ctx context.Context, srv *Server) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (uuid, node_id, owner_id, name) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(uuid) DO UPDATE SET node_id=EXCLUDED.node_id, owner_id=EXCLUDED.owner_id, name=EXCLUDED.name`,
		srv.UUID, srv.NodeID, srv.OwnerID, srv.Name,
	)
	return err
}

func (s *PostgresStore) GetServer(ctx context.Context, uuid string) (*Server, error) {
	var srv Server
	err := s.db.QueryRowContext(ctx,
		"SELECT uuid, node_id, owner_id, name FROM servers WHERE uuid = $1", uuid,
	).Scan(&srv.UUID, &srv.NodeID, &srv.OwnerID, &srv.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &srv, err
}

func (s *PostgresStore) AddSubuser(ctx context.Context, serverUUID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO subusers (server_uuid, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		serverUUID, userID,
	)
	return err
}

func (s *PostgresStore) IsSubuser(ctx context.Context, serverUUID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subusers WHERE server_uuid = $1 AND user_id = $2",
		serverUUID, userID,
	).Scan(&count)
	return count > 0, err
}

// --- Audit ---

func (s *PostgresStore) AppendAuditRecord(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, hub_kind, hub_id, subject_id, event_kind, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.HubKind, rec.HubID, rec.SubjectID, rec.EventKind, rec.Payload, rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := `SELECT id, hub_kind, hub_id, subject_id, event_kind, payload, created_at
	          FROM audit_records WHERE 1=1`
	var args []any
	argN := 1

	if filter.HubKind != "" {
		query += fmt.Sprintf(" AND hub_kind = $%d", argN)
		args = append(args, filter.HubKind)
		argN++
	}
	if filter.HubID != "" {
		query += fmt.Sprintf(" AND hub_id = $%d", argN)
		args = append(args, filter.HubID)
		argN++
	}
	if filter.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argN)
		args = append(args, filter.SubjectID)
		argN++
	}
	if filter.EventKind != "" {
		query += fmt.Sprintf(" AND event_kind = $%d", argN)
		args = append(args, filter.EventKind)
		argN++
	}

	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d OFFSET $%d", argN, argN+1)
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

func (s *PostgresStore) TouchHubInstance(ctx context.Context, kind, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hub_instances (kind, id, created_at, last_active_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT(kind, id) DO UPDATE SET last_active_at=EXCLUDED.last_active_at`,
		kind, id, at,
	)
	return err
}

func (s *PostgresStore) GetHubInstance(ctx context.Context, kind, id string) (*HubInstance, error) {
	var h HubInstance
	err := s.db.QueryRowContext(ctx,
		"SELECT kind, id, created_at, last_active_at FROM hub_instances WHERE kind = $1 AND id = $2", kind, id,
	).Scan(&h.Kind, &h.ID, &h.CreatedAt, &h.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &h, err
}

func (s *PostgresStore) ListHubInstances(ctx context.Context, kind string) ([]HubInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, id, created_at, last_active_at FROM hub_instances WHERE kind = $1 ORDER BY last_active_at DESC",
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

func (s *PostgresStore) SaveHubState(ctx context.Context, kind, id, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hub_state (kind, id, key, value) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(kind, id, key) DO UPDATE SET value=EXCLUDED.value`,
		kind, id, key, value,
	)
	return err
}

func (s *PostgresStore) LoadHubState(ctx context.Context, kind, id, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM hub_state WHERE kind = $1 AND id = $2 AND key = $3", kind, id, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

// --- Tickets ---

func (s *PostgresStore) PutTicket(ctx context.Context, t *TicketRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (id, kind, subject_id, resource_id, daemon_url, daemon_token, client_ip, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Kind, t.SubjectID, t.ResourceID, t.DaemonURL, t.DaemonToken, t.ClientIP,
		t.IssuedAt.UnixNano(), t.ExpiresAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) TakeTicket(ctx context.Context, id string, now time.Time) (*TicketRecord, error) {
	var t TicketRecord
	var issuedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM tickets WHERE id = $1
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

func (s *PostgresStore) PurgeExpiredTickets(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tickets WHERE expires_at <= $1", before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
