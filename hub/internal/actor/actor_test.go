package actor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gantry-panel/relay/hub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type done struct{ ch chan struct{} }

// counter counts messages and reports idle once it has seen "rest".
type counter struct {
	mu      sync.Mutex
	got     []any
	resting bool
	stopped atomic.Bool
	inside  atomic.Int32
	overlap atomic.Bool
}

func (c *counter) Receive(ctx *Context, msg any) {
	if c.inside.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inside.Add(-1)

	switch m := msg.(type) {
	case done:
		close(m.ch)
		return
	case string:
		c.resting = m == "rest"
	}
	c.mu.Lock()
	c.got = append(c.got, msg)
	c.mu.Unlock()
}

func (c *counter) Idle() bool         { return c.resting }
func (c *counter) Stop(ctx *Context) { c.stopped.Store(true) }

func (c *counter) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.got...)
}

func newCounterSystem(t *testing.T, st store.Store) (*System, map[string]*counter, *atomic.Int32) {
	t.Helper()
	var mu sync.Mutex
	behaviors := make(map[string]*counter)
	var created atomic.Int32
	sys := NewSystem("test", func(id string) Behavior {
		created.Add(1)
		c := &counter{}
		mu.Lock()
		behaviors[id] = c
		mu.Unlock()
		return c
	}, st, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return sys, behaviors, &created
}

// flush waits until every message sent so far to id has been handled.
func flush(t *testing.T, sys *System, id string) {
	t.Helper()
	ch := make(chan struct{})
	if !sys.Send(id, done{ch}) {
		t.Fatal("Send: rejected")
	}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mailbox to drain")
	}
}

func TestSendMaterializesOncePerID(t *testing.T) {
	sys, behaviors, created := newCounterSystem(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sys.Send("a", i)
		}(i)
	}
	wg.Wait()
	flush(t, sys, "a")

	if got := created.Load(); got != 1 {
		t.Fatalf("instances created: got %d, want 1", got)
	}
	c := behaviors["a"]
	if got := len(c.messages()); got != 50 {
		t.Errorf("messages handled: got %d, want 50", got)
	}
	if c.overlap.Load() {
		t.Error("Receive ran concurrently")
	}

	sys.Send("b", 1)
	flush(t, sys, "b")
	if got := created.Load(); got != 2 {
		t.Errorf("instances created: got %d, want 2", got)
	}
}

func TestMessagesKeepOrder(t *testing.T) {
	sys, behaviors, _ := newCounterSystem(t, nil)
	for i := 0; i < 100; i++ {
		sys.Send("x", i)
	}
	flush(t, sys, "x")

	got := behaviors["x"].messages()
	for i, m := range got {
		if m.(int) != i {
			t.Fatalf("message %d: got %v", i, m)
		}
	}
}

type ticker struct {
	ticks  chan string
	cancel func()
}

func (tk *ticker) Receive(ctx *Context, msg any) {
	switch msg {
	case "arm":
		tk.cancel = ctx.After(20*time.Millisecond, "tick")
	case "arm-and-cancel":
		cancel := ctx.After(20*time.Millisecond, "cancelled-tick")
		cancel()
	case "io":
		ctx.Go(func(c context.Context) {
			ctx.Tell("io-done")
		})
	default:
		tk.ticks <- msg.(string)
	}
}

func TestContextTimersAndGo(t *testing.T) {
	tk := &ticker{ticks: make(chan string, 4)}
	sys := NewSystem("timers", func(string) Behavior { return tk }, nil, testLogger())
	defer sys.Shutdown(context.Background())

	sys.Send("t", "arm-and-cancel")
	sys.Send("t", "arm")
	sys.Send("t", "io")

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case m := <-tk.ticks:
			seen[m] = true
		case <-deadline:
			t.Fatalf("timed out; saw %v", seen)
		}
	}
	if !seen["tick"] || !seen["io-done"] {
		t.Errorf("got %v, want tick and io-done", seen)
	}

	select {
	case m := <-tk.ticks:
		t.Errorf("unexpected message %q", m)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestSweepEvictsIdle(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	sys, behaviors, created := newCounterSystem(t, st)

	sys.Send("busy", "work")
	sys.Send("quiet", "rest")
	flush(t, sys, "busy")
	flush(t, sys, "quiet")
	// flush's own message leaves "quiet" resting.
	if !waitFor(func() bool { return isIdle(sys, "quiet") }) {
		t.Fatal("quiet instance never reported idle")
	}

	if n := sys.Sweep(); n != 1 {
		t.Fatalf("Sweep: evicted %d, want 1", n)
	}
	if !waitFor(func() bool { return behaviors["quiet"].stopped.Load() }) {
		t.Error("evicted instance was not stopped")
	}
	if behaviors["busy"].stopped.Load() {
		t.Error("busy instance was stopped")
	}

	stats := sys.Stats()
	if len(stats) != 1 || stats[0].ID != "busy" {
		t.Errorf("Stats after sweep: got %+v", stats)
	}

	// The evicted identity comes back on demand.
	sys.Send("quiet", "work")
	flush(t, sys, "quiet")
	if got := created.Load(); got != 3 {
		t.Errorf("instances created: got %d, want 3", got)
	}

	h, err := st.GetHubInstance(context.Background(), "test", "quiet")
	if err != nil {
		t.Fatalf("GetHubInstance: %v", err)
	}
	if h == nil {
		t.Error("hub instance was not recorded")
	}
}

func TestShutdownStopsInstances(t *testing.T) {
	var stopped atomic.Int32
	sys := NewSystem("s", func(string) Behavior {
		return &stopCounter{n: &stopped}
	}, nil, testLogger())

	sys.Send("a", 1)
	sys.Send("b", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sys.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := stopped.Load(); got != 2 {
		t.Errorf("stopped: got %d, want 2", got)
	}
	if sys.Send("a", 2) {
		t.Error("Send after Shutdown: got true")
	}
}

type stopCounter struct{ n *atomic.Int32 }

func (s *stopCounter) Receive(*Context, any) {}
func (s *stopCounter) Stop(*Context)         { s.n.Add(1) }

func isIdle(sys *System, id string) bool {
	for _, info := range sys.Stats() {
		if info.ID == id {
			return info.Idle
		}
	}
	return false
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
