package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gantry-panel/relay/hub/internal/actor"
	"github.com/gantry-panel/relay/hub/internal/config"
	"github.com/gantry-panel/relay/hub/internal/relay"
	"github.com/gantry-panel/relay/hub/internal/store"
)

// Options configure metrics hubs.
type Options struct {
	PollInterval    time.Duration
	RequestTimeout  time.Duration
	UtilizationPath string
	TLSSkipVerify   bool
	AllowedOrigins  []string
}

// OptionsFromConfig maps hub configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollInterval:    cfg.Metrics.PollInterval.Duration,
		RequestTimeout:  cfg.Metrics.RequestTimeout.Duration,
		UtilizationPath: cfg.Metrics.UtilizationPath,
		TLSSkipVerify:   cfg.Wings.TLSSkipVerify,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}
}

// Service accepts forwarded metrics upgrades and routes them to the hub for
// the addressed node.
type Service struct {
	sys      *actor.System
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewService creates a metrics Service. tokens signs the daemon token for
// each poll. st holds cached samples and hub instance rows; it may be nil.
func NewService(opts Options, tokens TokenSource, st store.Store, logger *slog.Logger) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = opts.PollInterval * 4 / 5
	}
	if opts.UtilizationPath == "" {
		opts.UtilizationPath = "/api/system/utilization"
	}

	p := newPoller(opts.UtilizationPath, opts.RequestTimeout, opts.TLSSkipVerify)
	sys := actor.NewSystem(HubKind, func(id string) actor.Behavior {
		return newHub(id, p, tokens, st, opts.PollInterval)
	}, st, logger)

	return &Service{
		sys:      sys,
		upgrader: relay.NewUpgrader(opts.AllowedOrigins),
		logger:   logger.With("component", "metrics"),
	}
}

// System exposes the actor system for housekeeping and stats.
func (s *Service) System() *actor.System { return s.sys }

// ServeUpgrade upgrades a request forwarded by the edge router and subscribes
// it to the hub for nodeID. Inbound frames are ignored; the read loop only
// detects the client going away.
func (s *Service) ServeUpgrade(w http.ResponseWriter, r *http.Request, nodeID string) {
	att, ok := relay.AttachmentFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("metrics websocket upgrade failed", "node", nodeID, "error", err)
		return
	}

	conn := relay.NewConn(ws, 4096)
	defer conn.Close()

	if !s.sys.Send(nodeID, clientJoined{conn: conn, att: att}) {
		return
	}
	_ = conn.ReadLoop(func([]byte) {})
	s.sys.Send(nodeID, clientLeft{connID: conn.ID()})
}

// Shutdown stops every metrics hub.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.sys.Shutdown(ctx)
}
