package actor

import (
	"sync"
	"time"
)

// mailbox is an unbounded FIFO. Producers never block, so I/O goroutines can
// always report back to a busy instance.
type mailbox struct {
	mu         sync.Mutex
	queue      []any
	busy       bool // a message is being handled
	idle       bool // last reported by the behavior
	retired    bool
	lastActive time.Time
}

func (m *mailbox) push(msg any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return false
	}
	m.queue = append(m.queue, msg)
	m.idle = false
	return true
}

func (m *mailbox) finish(idle bool, at time.Time) {
	m.mu.Lock()
	m.busy = false
	m.idle = idle && len(m.queue) == 0
	m.lastActive = at
	m.mu.Unlock()
}

func (m *mailbox) markRetiredIfIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired || m.busy || len(m.queue) > 0 || !m.idle {
		return false
	}
	m.retired = true
	return true
}

func (m *mailbox) markRetired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return false
	}
	m.retired = true
	return true
}

func (m *mailbox) snapshot() (queued int, idle bool, lastActive time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), m.idle, m.lastActive
}

func (m *mailbox) lastActiveAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActive
}
