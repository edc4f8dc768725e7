// Package console implements the per-server console relay. One Hub instance
// exists per server UUID; it owns the single upstream daemon socket and fans
// console output out to every attached browser.
package console

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/gantry-panel/relay/hub/internal/actor"
	"github.com/gantry-panel/relay/hub/internal/relay"
	"github.com/gantry-panel/relay/hub/internal/store"
	"github.com/gantry-panel/relay/pkg/protocol"
)

// HubKind names console hubs in the actor runtime and the audit log.
const HubKind = "console"

// Audit event kinds.
const (
	AuditConnect    = "console.connect"
	AuditCommand    = "console.command"
	AuditDisconnect = "console.disconnect"
	AuditError      = "console.error"
)

// ConnectionLost is broadcast when an open upstream goes away.
const ConnectionLost = "connection to daemon lost"

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateRelaying
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateRelaying:
		return "relaying"
	default:
		return "idle"
	}
}

// Messages handled by a Hub. Upstream messages carry the attempt that
// produced them; anything from an abandoned attempt is discarded.
type (
	clientJoined struct {
		conn *relay.Conn
		att  relay.Attachment
	}
	clientFrame struct {
		connID string
		data   []byte
	}
	clientLeft struct {
		connID string
		err    error
	}
	upstreamOpened struct {
		attempt uint64
		conn    *relay.Conn
	}
	upstreamFailed struct {
		attempt uint64
		err     error
	}
	upstreamFrame struct {
		attempt uint64
		data    []byte
	}
	upstreamClosed struct {
		attempt uint64
		err     error
	}
)

type client struct {
	conn      *relay.Conn
	subjectID string
	clientIP  string
}

// Hub is the console relay behavior for one server.
type Hub struct {
	serverID string
	dialer   *dialer
	store    store.Store
	now      func() time.Time

	state    state
	clients  map[string]*client
	buffer   *ReplayBuffer
	upstream *relay.Conn
	attempt  uint64

	latest     relay.Attachment // credentials of the newest client
	tokenInUse string
}

func newHub(serverID string, d *dialer, st store.Store, replay int) *Hub {
	return &Hub{
		serverID: serverID,
		dialer:   d,
		store:    st,
		now:      time.Now,
		clients:  make(map[string]*client),
		buffer:   NewReplayBuffer(replay),
	}
}

// Receive implements actor.Behavior.
func (h *Hub) Receive(ctx *actor.Context, msg any) {
	switch m := msg.(type) {
	case clientJoined:
		h.onClientConnect(ctx, m)
	case clientFrame:
		h.onClientMessage(ctx, m)
	case clientLeft:
		h.onClientDisconnect(ctx, m)
	case upstreamOpened:
		h.onUpstreamOpen(ctx, m)
	case upstreamFailed:
		h.onUpstreamFailed(ctx, m)
	case upstreamFrame:
		h.onUpstreamMessage(ctx, m)
	case upstreamClosed:
		h.onUpstreamClose(ctx, m)
	default:
		ctx.Logger().Warn("unknown message", "type", fmt.Sprintf("%T", msg))
	}
}

// Idle implements actor.Idler.
func (h *Hub) Idle() bool {
	return h.state == stateIdle && len(h.clients) == 0
}

// Stop implements actor.Stopper.
func (h *Hub) Stop(ctx *actor.Context) {
	for id, c := range h.clients {
		c.conn.Close()
		delete(h.clients, id)
	}
	h.closeUpstream()
}

func (h *Hub) onClientConnect(ctx *actor.Context, m clientJoined) {
	c := &client{conn: m.conn, subjectID: m.att.SubjectID, clientIP: m.att.ClientIP}
	h.clients[m.conn.ID()] = c
	h.latest = m.att
	h.audit(ctx, c.subjectID, AuditConnect, c.clientIP)

	ctx.Logger().Info("console client connected",
		"subject", c.subjectID, "conn_id", m.conn.ID(), "clients", len(h.clients), "state", h.state.String())

	for _, frame := range h.buffer.Frames() {
		if !c.conn.Send(frame) {
			h.dropClient(ctx, c, "replay send failed")
			h.releaseIfUnwatched(ctx)
			return
		}
	}

	if h.state == stateIdle {
		h.connect(ctx)
	}
}

func (h *Hub) onClientMessage(ctx *actor.Context, m clientFrame) {
	c, ok := h.clients[m.connID]
	if !ok {
		return
	}

	// Malformed frames fail the event lookup and skip auditing, but are still
	// relayed verbatim.
	if gjson.GetBytes(m.data, "event").String() == protocol.EventSendCommand {
		h.audit(ctx, c.subjectID, AuditCommand, gjson.GetBytes(m.data, "args.0").String())
	}

	if h.state != stateRelaying || h.upstream == nil {
		ctx.Logger().Debug("dropping client frame, upstream not open", "state", h.state.String())
		return
	}
	if !h.upstream.Send(m.data) {
		ctx.Logger().Warn("upstream send queue rejected frame")
	}
}

func (h *Hub) onClientDisconnect(ctx *actor.Context, m clientLeft) {
	c, ok := h.clients[m.connID]
	if !ok {
		return
	}
	delete(h.clients, m.connID)
	c.conn.Close()

	if m.err != nil && relay.IsUnexpectedClose(m.err) {
		h.audit(ctx, c.subjectID, AuditError, m.err.Error())
	} else {
		h.audit(ctx, c.subjectID, AuditDisconnect, "")
	}
	ctx.Logger().Info("console client disconnected", "subject", c.subjectID, "clients", len(h.clients))

	h.releaseIfUnwatched(ctx)
}

// connect starts an upstream attempt. The dial runs off the actor so a slow
// daemon never delays client handling.
func (h *Hub) connect(ctx *actor.Context) {
	h.attempt++
	h.state = stateConnecting

	attempt := h.attempt
	url := h.latest.DaemonURL
	d := h.dialer
	ctx.Logger().Debug("connecting to daemon", "attempt", attempt)

	ctx.Go(func(c context.Context) {
		ws, err := d.dial(c, url)
		if err != nil {
			ctx.Tell(upstreamFailed{attempt: attempt, err: err})
			return
		}
		conn := relay.NewConn(ws, 0)
		if !ctx.Tell(upstreamOpened{attempt: attempt, conn: conn}) {
			conn.Close()
			return
		}
		err = conn.ReadLoop(func(data []byte) {
			ctx.Tell(upstreamFrame{attempt: attempt, data: data})
		})
		ctx.Tell(upstreamClosed{attempt: attempt, err: err})
	})
}

func (h *Hub) onUpstreamOpen(ctx *actor.Context, m upstreamOpened) {
	if m.attempt != h.attempt || h.state != stateConnecting {
		m.conn.Close()
		return
	}
	h.upstream = m.conn
	h.state = stateRelaying
	h.tokenInUse = h.latest.DaemonToken
	h.upstream.Send(protocol.AuthFrame(h.tokenInUse))
	ctx.Logger().Info("daemon connected", "attempt", m.attempt)
}

func (h *Hub) onUpstreamFailed(ctx *actor.Context, m upstreamFailed) {
	if m.attempt != h.attempt {
		return
	}
	h.state = stateIdle
	ctx.Logger().Warn("daemon connection failed", "attempt", m.attempt, "error", m.err)
	h.broadcast(ctx, protocol.DaemonError(m.err.Error()))
}

func (h *Hub) onUpstreamMessage(ctx *actor.Context, m upstreamFrame) {
	if m.attempt != h.attempt || h.upstream == nil {
		return
	}

	event := gjson.GetBytes(m.data, "event").String()
	switch event {
	case protocol.EventTokenExpiring, protocol.EventTokenExpired:
		h.refreshToken(ctx)
	}

	// Handshake frames go to current viewers only; the replay holds console
	// context.
	if !protocol.IsDaemonControl(event) {
		h.buffer.Push(m.data)
	}
	h.broadcast(ctx, m.data)
}

func (h *Hub) onUpstreamClose(ctx *actor.Context, m upstreamClosed) {
	if m.attempt != h.attempt {
		return
	}
	if h.upstream != nil {
		h.upstream.Close()
		h.upstream = nil
	}
	h.state = stateIdle
	ctx.Logger().Warn("daemon connection lost", "error", m.err)
	h.broadcast(ctx, protocol.DaemonMessage(ConnectionLost))
}

// refreshToken re-authenticates with the newest client's token when the
// daemon reports the current one is running out.
func (h *Hub) refreshToken(ctx *actor.Context) {
	if h.latest.DaemonToken == "" || h.latest.DaemonToken == h.tokenInUse {
		return
	}
	if h.upstream.Send(protocol.AuthFrame(h.latest.DaemonToken)) {
		h.tokenInUse = h.latest.DaemonToken
		ctx.Logger().Debug("re-authenticated with daemon")
	}
}

// broadcast fans frame out to every client. A client whose queue rejects the
// frame is treated as disconnected; the others still receive it.
func (h *Hub) broadcast(ctx *actor.Context, frame []byte) {
	for _, c := range h.clients {
		if !c.conn.Send(frame) {
			h.dropClient(ctx, c, "send failed")
		}
	}
	h.releaseIfUnwatched(ctx)
}

func (h *Hub) dropClient(ctx *actor.Context, c *client, reason string) {
	delete(h.clients, c.conn.ID())
	c.conn.Close()
	h.audit(ctx, c.subjectID, AuditError, reason)
	ctx.Logger().Debug("dropped console client", "subject", c.subjectID, "reason", reason)
}

// releaseIfUnwatched closes the upstream once nobody is watching.
func (h *Hub) releaseIfUnwatched(ctx *actor.Context) {
	if len(h.clients) > 0 || h.state == stateIdle {
		return
	}
	h.closeUpstream()
	ctx.Logger().Info("last client left, daemon connection closed")
}

func (h *Hub) closeUpstream() {
	if h.upstream != nil {
		h.upstream.Close()
		h.upstream = nil
	}
	// Invalidate any in-flight dial or reader.
	h.attempt++
	h.state = stateIdle
}

func (h *Hub) audit(ctx *actor.Context, subjectID, kind, payload string) {
	if h.store == nil {
		return
	}
	rec := &store.AuditRecord{
		ID:        uuid.New().String(),
		HubKind:   HubKind,
		HubID:     h.serverID,
		SubjectID: subjectID,
		EventKind: kind,
		Payload:   payload,
		CreatedAt: h.now(),
	}
	sctx, cancel := context.WithTimeout(ctx.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.AppendAuditRecord(sctx, rec); err != nil {
		ctx.Logger().Warn("failed to append audit record", "event", kind, "error", err)
	}
}
