// Package hub is the main orchestrator that ties all relay components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/gantry-panel/relay/hub/internal/actor"
	"github.com/gantry-panel/relay/hub/internal/api"
	"github.com/gantry-panel/relay/hub/internal/auth"
	"github.com/gantry-panel/relay/hub/internal/config"
	"github.com/gantry-panel/relay/hub/internal/console"
	"github.com/gantry-panel/relay/hub/internal/edge"
	"github.com/gantry-panel/relay/hub/internal/metrics"
	"github.com/gantry-panel/relay/hub/internal/panel"
	"github.com/gantry-panel/relay/hub/internal/store"
	"github.com/gantry-panel/relay/hub/internal/ticket"
	"github.com/gantry-panel/relay/hub/internal/wings"
)

// shutdownTimeout bounds the graceful stop of the listener and the hubs.
const shutdownTimeout = 30 * time.Second

// Hub is the main relay process.
type Hub struct {
	cfg       *config.Config
	store     store.Store
	console   *console.Service
	metrics   *metrics.Service
	dbTickets *ticket.DBStore // nil with the memory backend
	api       *api.Server
	logger    *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	dir, err := panel.NewDirectory(db, cfg.Panel.AppKey)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init panel directory: %w", err)
	}

	h := &Hub{
		cfg:    cfg,
		store:  db,
		logger: logger.With("component", "hub"),
	}

	var tickets ticket.Store
	if cfg.Tickets.Backend == "database" {
		h.dbTickets = ticket.NewDBStore(db, logger)
		tickets = h.dbTickets
	} else {
		tickets = ticket.NewMemoryStore()
	}
	broker := ticket.NewBroker(tickets, dir, wings.NewSigner(cfg.Server.PublicURL),
		cfg.Tickets.TTL.Duration, cfg.Wings.TokenTTL.Duration, logger)

	h.console = console.NewService(console.OptionsFromConfig(cfg), db, logger)
	h.metrics = metrics.NewService(metrics.OptionsFromConfig(cfg), broker, db, logger)

	er := edge.NewRouter(broker, cfg.Edge.BindClientIP, logger)
	er.Register(panel.KindConsole, h.console)
	er.Register(panel.KindMetrics, h.metrics)

	h.api = api.NewServer(db, authProvider, broker, er,
		[]*actor.System{h.console.System(), h.metrics.System()}, cfg, logger)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to the panel origin in production")
			break
		}
	}
	if cfg.Wings.TLSSkipVerify {
		logger.Warn("daemon TLS verification disabled")
	}

	return h, nil
}

// Run starts the HTTP server and housekeeping and blocks until ctx is
// canceled or the listener fails.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	c, err := h.schedule(ctx)
	if err != nil {
		_ = h.store.Close()
		return err
	}
	c.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.logger.Info("relay listening", "addr", h.cfg.Server.Addr, "tickets", h.cfg.Tickets.Backend)
		var err error
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("shutting down relay gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		// Hijacked sockets are not covered by srv.Shutdown; stopping the hubs
		// closes them.
		if err := h.console.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("console hubs did not stop in time", "error", err)
		}
		if err := h.metrics.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("metrics hubs did not stop in time", "error", err)
		}
		return nil
	})

	err = g.Wait()
	<-c.Stop().Done()

	h.logger.Info("closing store")
	_ = h.store.Close()
	h.logger.Info("shutdown complete")

	if err != nil {
		return err
	}
	return ctx.Err()
}

// schedule registers the cron jobs: idle hub eviction, and ticket purging for
// the database backend.
func (h *Hub) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()

	if _, err := c.AddFunc(h.cfg.Hubs.SweepSchedule, func() {
		n := h.console.System().Sweep() + h.metrics.System().Sweep()
		if n > 0 {
			h.logger.Debug("evicted idle hubs", "count", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("hubs.sweep_schedule: %w", err)
	}

	if h.dbTickets != nil {
		if _, err := c.AddFunc(h.cfg.Tickets.PurgeSchedule, func() {
			h.dbTickets.Purge(ctx)
		}); err != nil {
			return nil, fmt.Errorf("tickets.purge_schedule: %w", err)
		}
	}
	return c, nil
}
