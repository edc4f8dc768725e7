package console

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

// Options configure console hubs.
type Options struct {
	PublicURL        string        // sent as Origin on daemon dials
	HandshakeTimeout time.Duration // bound on the daemon upgrade
	TLSSkipVerify    bool
	ReplayBuffer     int
	MaxMessageBytes  int64
	AllowedOrigins   []string
}

// OptionsFromConfig maps hub configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PublicURL:        cfg.Server.PublicURL,
		HandshakeTimeout: cfg.Wings.HandshakeTimeout.Duration,
		TLSSkipVerify:    cfg.Wings.TLSSkipVerify,
		ReplayBuffer:     cfg.Console.ReplayBuffer,
		MaxMessageBytes:  cfg.Console.MaxMessageBytes,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	}
}

// Service accepts forwarded console upgrades and routes them to the hub for
// the addressed server.
type Service struct {
	sys             *actor.System
	upgrader        websocket.Upgrader
	maxMessageBytes int64
	logger          *slog.Logger
}

// NewService creates a console Service. st receives audit records and hub
// instance rows; it may be nil.
func NewService(opts Options, st store.Store, logger *slog.Logger) *Service {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReplayBuffer <= 0 || opts.ReplayBuffer > config.MaxReplayBuffer {
		opts.ReplayBuffer = config.MaxReplayBuffer
	}

	d := newDialer(opts.PublicURL, opts.HandshakeTimeout, opts.TLSSkipVerify)
	sys := actor.NewSystem(HubKind, func(id string) actor.Behavior {
		return newHub(id, d, st, opts.ReplayBuffer)
	}, st, logger)

	return &Service{
		sys:             sys,
		upgrader:        relay.NewUpgrader(opts.AllowedOrigins),
		maxMessageBytes: opts.MaxMessageBytes,
		logger:          logger.With("component", "console"),
	}
}

// System exposes the actor system for housekeeping and stats.
func (s *Service) System() *actor.System { return s.sys }

// ServeUpgrade upgrades a request forwarded by the edge router and attaches
// the socket to the hub for serverID. It blocks until the client goes away.
func (s *Service) ServeUpgrade(w http.ResponseWriter, r *http.Request, serverID string) {
	att, ok := relay.AttachmentFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("console websocket upgrade failed", "server", serverID, "error", err)
		return
	}

	conn := relay.NewConn(ws, s.maxMessageBytes)
	defer conn.Close()

	if !s.sys.Send(serverID, clientJoined{conn: conn, att: att}) {
		return
	}
	err = conn.ReadLoop(func(data []byte) {
		s.sys.Send(serverID, clientFrame{connID: conn.ID(), data: data})
	})
	s.sys.Send(serverID, clientLeft{connID: conn.ID(), err: err})
}

// Shutdown stops every console hub, closing their sockets.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.sys.Shutdown(ctx)
}
