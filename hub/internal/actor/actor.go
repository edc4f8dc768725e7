// Package actor runs identity-addressed, single-goroutine instances.
//
// A System owns every instance of one kind. Sending to an ID materializes the
// instance on first use; each instance handles its mailbox serially, so its
// behavior needs no locks. Blocking work goes through Context.Go and reports
// back with Context.Tell.
package actor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gantry-panel/relay/hub/internal/store"
)

// Behavior is the per-instance message handler. Receive is only ever called
// from the instance's own goroutine.
type Behavior interface {
	Receive(ctx *Context, msg any)
}

// Starter is implemented by behaviors that need setup before the first message.
type Starter interface {
	Start(ctx *Context)
}

// Stopper is implemented by behaviors that hold resources to release when the
// instance is evicted or the system shuts down.
type Stopper interface {
	Stop(ctx *Context)
}

// Idler reports whether an instance can be evicted. Behaviors that do not
// implement it are never swept.
type Idler interface {
	Idle() bool
}

// Factory builds the behavior for a newly materialized instance.
type Factory func(id string) Behavior

// InstanceInfo describes a live instance.
type InstanceInfo struct {
	Kind       string    `json:"kind"`
	ID         string    `json:"id"`
	Queued     int       `json:"queued"`
	Idle       bool      `json:"idle"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
}

// System owns all instances of one kind.
type System struct {
	kind    string
	factory Factory
	store   store.Store // optional; records materialization
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time

	mu        sync.Mutex
	closed    bool
	instances map[string]*instance
}

// NewSystem creates a System. st may be nil.
func NewSystem(kind string, factory Factory, st store.Store, logger *slog.Logger) *System {
	ctx, cancel := context.WithCancel(context.Background())
	return &System{
		kind:      kind,
		factory:   factory,
		store:     st,
		logger:    logger.With("component", "actor", "hub", kind),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		instances: make(map[string]*instance),
	}
}

// Kind returns the instance kind this system owns.
func (s *System) Kind() string { return s.kind }

// Send delivers msg to the instance addressed by id, creating it if needed.
// It never blocks. It returns false once the system is shut down.
func (s *System) Send(id string, msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	inst, ok := s.instances[id]
	if !ok {
		inst = s.spawn(id)
		s.instances[id] = inst
	}
	return inst.enqueue(msg)
}

// spawn must be called with s.mu held.
func (s *System) spawn(id string) *instance {
	inst := &instance{
		id:        id,
		sys:       s,
		behavior:  s.factory(id),
		signal:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		startedAt: s.now(),
	}
	inst.lastActive = inst.startedAt
	inst.ctx = &Context{
		inst:   inst,
		logger: s.logger.With("id", id),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		inst.run()
	}()
	return inst
}

// Sweep evicts instances that report Idle with nothing queued. It returns the
// number of instances evicted.
func (s *System) Sweep() int {
	s.mu.Lock()
	var evicted []*instance
	for id, inst := range s.instances {
		if inst.tryRetire() {
			delete(s.instances, id)
			evicted = append(evicted, inst)
		}
	}
	s.mu.Unlock()

	for _, inst := range evicted {
		s.touch(inst.id, inst.lastActiveAt())
	}
	if len(evicted) > 0 {
		s.logger.Debug("swept idle instances", "count", len(evicted))
	}
	return len(evicted)
}

// Stats lists live instances ordered by ID.
func (s *System) Stats() []InstanceInfo {
	s.mu.Lock()
	out := make([]InstanceInfo, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.info())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown cancels outstanding I/O, stops every instance, and waits for them
// to finish or for ctx to expire.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, inst := range s.instances {
		inst.retire()
		delete(s.instances, id)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *System) touch(id string, at time.Time) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.TouchHubInstance(ctx, s.kind, id, at); err != nil {
		s.logger.Warn("failed to record hub instance", "id", id, "error", err)
	}
}
