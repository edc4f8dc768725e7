// Package relay holds the WebSocket plumbing shared by the hubs: buffered
// connections with keepalive, the browser upgrader, and the internal request
// parameters the edge router attaches to forwarded upgrades.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pingInterval is how often a ping frame is sent to the peer.
	pingInterval = 30 * time.Second
	// pongWait is the maximum time to wait for a pong from the peer.
	pongWait = 60 * time.Second
	// sendBuffer is the per-connection outbound queue length.
	sendBuffer = 256
)

// Conn wraps a WebSocket with a bounded outbound queue drained by its own
// writer goroutine, so producers never block on a slow peer.
type Conn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex // guards closed and sends on the channel
	closed bool
	send   chan []byte
	done   chan struct{}
}

// NewConn wraps ws and starts its writer. Frames larger than readLimit bytes
// end the read loop; zero means no limit.
func NewConn(ws *websocket.Conn, readLimit int64) *Conn {
	c := &Conn{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	go c.writePump()
	return c
}

// ID uniquely identifies the connection within the process.
func (c *Conn) ID() string { return c.id }

// Send queues a text frame. It returns false if the connection is closed or
// its queue is full; the frame is dropped in both cases.
func (c *Conn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close flushes queued frames, sends a close frame, and closes the socket.
// Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Done is closed once the writer has exited and the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReadLoop delivers inbound text frames to fn until the peer goes away or
// stops answering pings. It returns the terminating read error.
func (c *Conn) ReadLoop(fn func(data []byte)) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		fn(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.markClosed()
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.markClosed()
				return
			}
		}
	}
}

// markClosed stops further sends after a write failure.
func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// IsUnexpectedClose reports whether err is a read error worth logging, as
// opposed to an ordinary going-away close.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// NewUpgrader creates a WebSocket upgrader with origin checking.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}
