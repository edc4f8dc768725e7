package actor

import (
	"time"
)

type instance struct {
	id       string
	sys      *System
	behavior Behavior
	ctx      *Context

	signal chan struct{} // wakes the loop; capacity 1
	quit   chan struct{} // closed on retire
	done   chan struct{} // closed when the loop exits

	startedAt time.Time

	mailbox
}

// run is the instance goroutine.
func (in *instance) run() {
	defer close(in.done)

	in.sys.touch(in.id, in.startedAt)
	if st, ok := in.behavior.(Starter); ok {
		st.Start(in.ctx)
	}

	for {
		msg, ok := in.next(in.quit)
		if !ok {
			break
		}
		in.behavior.Receive(in.ctx, msg)

		idle := false
		if idler, ok := in.behavior.(Idler); ok {
			idle = idler.Idle()
		}
		in.finish(idle, in.sys.now())
	}

	if st, ok := in.behavior.(Stopper); ok {
		st.Stop(in.ctx)
	}
}

// next blocks until a message is available or the mailbox is retired and
// drained.
func (in *instance) next(quit <-chan struct{}) (any, bool) {
	for {
		in.mu.Lock()
		if len(in.queue) > 0 {
			msg := in.queue[0]
			in.queue[0] = nil
			in.queue = in.queue[1:]
			in.busy = true
			in.mu.Unlock()
			return msg, true
		}
		if in.retired {
			in.mu.Unlock()
			return nil, false
		}
		in.mu.Unlock()

		select {
		case <-in.signal:
		case <-quit:
		}
	}
}

func (in *instance) enqueue(msg any) bool {
	if !in.push(msg) {
		return false
	}
	select {
	case in.signal <- struct{}{}:
	default:
	}
	return true
}

// tryRetire stops the instance if it is idle with an empty mailbox.
func (in *instance) tryRetire() bool {
	if !in.markRetiredIfIdle() {
		return false
	}
	close(in.quit)
	return true
}

// retire stops the instance unconditionally after it drains its mailbox.
func (in *instance) retire() {
	if in.markRetired() {
		close(in.quit)
	}
}

func (in *instance) info() InstanceInfo {
	queued, idle, last := in.snapshot()
	return InstanceInfo{
		Kind:       in.sys.kind,
		ID:         in.id,
		Queued:     queued,
		Idle:       idle,
		StartedAt:  in.startedAt,
		LastActive: last,
	}
}
