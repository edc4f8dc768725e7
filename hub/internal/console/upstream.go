package console

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// dialer opens daemon console sockets. Daemons authorize the handshake by
// Origin, so every dial presents the panel's public URL.
type dialer struct {
	ws      *websocket.Dialer
	origin  string
	timeout time.Duration
}

func newDialer(origin string, timeout time.Duration, skipVerify bool) *dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	if skipVerify {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // self-signed daemons, opt-in
	}
	return &dialer{ws: d, origin: origin, timeout: timeout}
}

func (d *dialer) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Origin", d.origin)

	ws, resp, err := d.ws.DialContext(ctx, url, header)
	if err == nil {
		return ws, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return nil, fmt.Errorf("timeout connecting to daemon after %s", d.timeout)
	}
	if resp != nil {
		return nil, fmt.Errorf("daemon refused websocket upgrade: %s", resp.Status)
	}
	return nil, fmt.Errorf("connect to daemon: %w", err)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
