package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gantry-panel/relay/hub/internal/store"
)

// DBStore keeps tickets in the durable store so that any relay replica can
// consume a ticket issued by another.
type DBStore struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewDBStore creates a DBStore.
func NewDBStore(s store.Store, logger *slog.Logger) *DBStore {
	return &DBStore{
		store:  s,
		logger: logger.With("component", "ticket-store"),
		now:    time.Now,
	}
}

func (d *DBStore) Put(ctx context.Context, t *Ticket) error {
	err := d.store.PutTicket(ctx, &store.TicketRecord{
		ID:          t.ID,
		Kind:        t.Kind,
		SubjectID:   t.SubjectID,
		ResourceID:  t.ResourceID,
		DaemonURL:   t.DaemonURL,
		DaemonToken: t.DaemonToken,
		ClientIP:    t.ClientIP,
		IssuedAt:    t.IssuedAt,
		ExpiresAt:   t.ExpiresAt(),
	})
	if err != nil {
		return fmt.Errorf("put ticket: %w", err)
	}
	return nil
}

func (d *DBStore) Take(ctx context.Context, id string) (*Ticket, error) {
	rec, err := d.store.TakeTicket(ctx, id, d.now())
	if err != nil {
		return nil, fmt.Errorf("take ticket: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return &Ticket{
		ID:          rec.ID,
		SubjectID:   rec.SubjectID,
		Kind:        rec.Kind,
		ResourceID:  rec.ResourceID,
		DaemonURL:   rec.DaemonURL,
		DaemonToken: rec.DaemonToken,
		ClientIP:    rec.ClientIP,
		IssuedAt:    rec.IssuedAt,
		TTL:         rec.ExpiresAt.Sub(rec.IssuedAt),
	}, nil
}

// Purge deletes expired tickets. It is run on a cron schedule.
func (d *DBStore) Purge(ctx context.Context) {
	n, err := d.store.PurgeExpiredTickets(ctx, d.now())
	if err != nil {
		d.logger.Warn("ticket purge failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Debug("purged expired tickets", "count", n)
	}
}
