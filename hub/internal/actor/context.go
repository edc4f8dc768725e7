package actor

import (
	"context"
	"log/slog"
	"time"
)

// Context is handed to a behavior on every call. ID, Logger and Context may
// be used from any goroutine; Tell, After and Go are also safe to call from
// goroutines started with Go.
type Context struct {
	inst   *instance
	logger *slog.Logger
}

// ID is the identity this instance is addressed by.
func (c *Context) ID() string { return c.inst.id }

// Kind is the system's instance kind.
func (c *Context) Kind() string { return c.inst.sys.kind }

// Logger is the system logger tagged with this instance's ID.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Context is canceled when the system shuts down.
func (c *Context) Context() context.Context { return c.inst.sys.ctx }

// Tell posts msg to this instance's own mailbox. It returns false once the
// instance has been evicted or the system stopped.
func (c *Context) Tell(msg any) bool {
	return c.inst.enqueue(msg)
}

// After posts msg to this instance once d has elapsed. The returned function
// cancels delivery if the timer has not yet fired; a message already queued is
// still delivered, so handlers must tolerate late arrivals.
func (c *Context) After(d time.Duration, msg any) (cancel func()) {
	t := time.AfterFunc(d, func() { c.Tell(msg) })
	return func() { t.Stop() }
}

// Go runs fn off the instance goroutine. fn's context is canceled on system
// shutdown. Results come back to the instance through Tell.
func (c *Context) Go(fn func(ctx context.Context)) {
	sys := c.inst.sys
	sys.wg.Add(1)
	go func() {
		defer sys.wg.Done()
		fn(sys.ctx)
	}()
}
