// Package metrics implements the per-node utilization relay. A Hub polls its
// node daemon only while at least one browser is subscribed and fans each
// sample out to all of them.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gantry-panel/relay/hub/internal/actor"
	"github.com/gantry-panel/relay/hub/internal/relay"
	"github.com/gantry-panel/relay/hub/internal/store"
	"github.com/gantry-panel/relay/pkg/protocol"
)

// HubKind names metrics hubs in the actor runtime and the store.
const HubKind = "metrics"

// stateKeySample is the hub state key holding the last sample.
const stateKeySample = "last_sample"

type (
	clientJoined struct {
		conn *relay.Conn
		att  relay.Attachment
	}
	clientLeft struct {
		connID string
	}
	tick struct {
		gen uint64
	}
	pollDone struct {
		gen    uint64
		sample *protocol.UtilizationSample
		err    error
	}
)

// TokenSource signs daemon tokens for utilization polls. *ticket.Broker
// implements it.
type TokenSource interface {
	NodeToken(ctx context.Context, subjectID, nodeID string) (string, error)
}

// Hub is the metrics relay behavior for one node.
type Hub struct {
	nodeID   string
	poller   *poller
	tokens   TokenSource
	store    store.Store
	interval time.Duration
	now      func() time.Time

	clients map[string]*relay.Conn
	latest  relay.Attachment
	cached  *protocol.UtilizationSample

	// spare is the newest subscriber's ticket token while it is still unused.
	// Daemons accept a token once; later polls sign a new one.
	spare string

	// gen advances whenever polling stops, so ticks and poll results from
	// the previous cycle are recognized and ignored.
	gen       uint64
	scheduled bool
	cancel    func()
	inFlight  bool
	tickAt    time.Time
}

func newHub(nodeID string, p *poller, tokens TokenSource, st store.Store, interval time.Duration) *Hub {
	return &Hub{
		nodeID:   nodeID,
		poller:   p,
		tokens:   tokens,
		store:    st,
		interval: interval,
		now:      time.Now,
		clients:  make(map[string]*relay.Conn),
	}
}

// Start implements actor.Starter. It restores the last persisted sample.
func (h *Hub) Start(ctx *actor.Context) {
	if h.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx.Context(), 5*time.Second)
	defer cancel()

	data, err := h.store.LoadHubState(sctx, HubKind, h.nodeID, stateKeySample)
	if err != nil {
		ctx.Logger().Warn("failed to load cached sample", "error", err)
		return
	}
	if data == nil {
		return
	}
	var s protocol.UtilizationSample
	if err := json.Unmarshal(data, &s); err != nil {
		ctx.Logger().Warn("discarding corrupt cached sample", "error", err)
		return
	}
	h.cached = &s
}

// Receive implements actor.Behavior.
func (h *Hub) Receive(ctx *actor.Context, msg any) {
	switch m := msg.(type) {
	case clientJoined:
		h.onClientConnect(ctx, m)
	case clientLeft:
		h.onClientClose(ctx, m)
	case tick:
		h.onTick(ctx, m)
	case pollDone:
		h.onPollDone(ctx, m)
	default:
		ctx.Logger().Warn("unknown message", "type", fmt.Sprintf("%T", msg))
	}
}

// Idle implements actor.Idler.
func (h *Hub) Idle() bool {
	return len(h.clients) == 0 && !h.scheduled && !h.inFlight
}

// Stop implements actor.Stopper.
func (h *Hub) Stop(ctx *actor.Context) {
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
	h.stopPolling()
}

func (h *Hub) onClientConnect(ctx *actor.Context, m clientJoined) {
	h.clients[m.conn.ID()] = m.conn
	h.latest = m.att
	h.spare = m.att.DaemonToken
	ctx.Logger().Info("metrics subscriber joined", "subject", m.att.SubjectID, "clients", len(h.clients))

	if h.cached != nil && !m.conn.Send(protocol.UtilizationFrame(*h.cached)) {
		h.drop(ctx, m.conn)
		return
	}

	// The first subscriber of an idle hub gets a poll right away.
	if !h.scheduled && !h.inFlight {
		h.scheduled = true
		ctx.Tell(tick{gen: h.gen})
	}
}

func (h *Hub) onClientClose(ctx *actor.Context, m clientLeft) {
	c, ok := h.clients[m.connID]
	if !ok {
		return
	}
	h.drop(ctx, c)
	ctx.Logger().Info("metrics subscriber left", "clients", len(h.clients))
}

func (h *Hub) onTick(ctx *actor.Context, m tick) {
	if m.gen != h.gen {
		return
	}
	h.scheduled = false
	h.cancel = nil
	if len(h.clients) == 0 {
		return
	}

	h.inFlight = true
	h.tickAt = h.now()
	gen := h.gen
	url, subject, token := h.latest.DaemonURL, h.latest.SubjectID, h.spare
	h.spare = ""
	p, tokens, nodeID := h.poller, h.tokens, h.nodeID
	ctx.Go(func(c context.Context) {
		if token == "" {
			var err error
			if token, err = tokens.NodeToken(c, subject, nodeID); err != nil {
				ctx.Tell(pollDone{gen: gen, err: fmt.Errorf("sign daemon token: %w", err)})
				return
			}
		}
		s, err := p.fetch(c, url, token)
		ctx.Tell(pollDone{gen: gen, sample: s, err: err})
	})
}

func (h *Hub) onPollDone(ctx *actor.Context, m pollDone) {
	h.inFlight = false

	if m.gen == h.gen {
		if m.err != nil {
			ctx.Logger().Debug("utilization poll failed", "error", m.err)
			h.broadcast(ctx, protocol.MetricsErrorFrame(m.err.Error()))
		} else {
			h.cached = m.sample
			h.persist(ctx)
			h.broadcast(ctx, protocol.UtilizationFrame(*m.sample))
		}
	}

	// The next tick is due one interval after this one started, so a slow
	// daemon does not stretch the gap between polls.
	if len(h.clients) > 0 && !h.scheduled {
		h.scheduled = true
		h.cancel = ctx.After(max(h.interval-h.now().Sub(h.tickAt), 0), tick{gen: h.gen})
	}
}

func (h *Hub) broadcast(ctx *actor.Context, frame []byte) {
	for _, c := range h.clients {
		if !c.Send(frame) {
			h.drop(ctx, c)
		}
	}
}

// drop removes a subscriber and stops polling once none remain.
func (h *Hub) drop(ctx *actor.Context, c *relay.Conn) {
	delete(h.clients, c.ID())
	c.Close()
	if len(h.clients) == 0 {
		h.stopPolling()
		ctx.Logger().Debug("no subscribers, polling stopped")
	}
}

func (h *Hub) stopPolling() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.scheduled = false
	h.gen++
}

func (h *Hub) persist(ctx *actor.Context) {
	if h.store == nil || h.cached == nil {
		return
	}
	data, err := json.Marshal(h.cached)
	if err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.SaveHubState(sctx, HubKind, h.nodeID, stateKeySample, data); err != nil {
		ctx.Logger().Warn("failed to persist sample", "error", err)
	}
}
