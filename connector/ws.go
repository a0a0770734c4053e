package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSOptions tunes WebSocket transports.
type WSOptions struct {
	OpenTimeout  time.Duration
	PingInterval time.Duration
	Header       http.Header
	Subprotocols []string
}

// DefaultWSOptions matches the process defaults for WebSocket platforms.
func DefaultWSOptions() WSOptions {
	return WSOptions{OpenTimeout: 10 * time.Second, PingInterval: 20 * time.Second}
}

// WSConn serializes writes on a gorilla connection and closes it once.
type WSConn struct {
	conn *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
	stop      func() bool
}

// DialWS opens a WebSocket and ties its lifetime to ctx. Dial failures are
// TransportDown; a handshake rejected with 401 is AuthInvalid.
func DialWS(ctx context.Context, url string, opts WSOptions) (*WSConn, error) {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.OpenTimeout,
		Subprotocols:     opts.Subprotocols,
	}
	dctx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()
	conn, resp, err := d.DialContext(dctx, url, opts.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, AuthInvalid("handshake rejected", err)
		}
		return nil, Transport(fmt.Errorf("dial %s: %w", url, err))
	}
	c := &WSConn{conn: conn}
	c.stop = context.AfterFunc(ctx, func() { _ = c.Close() })
	return c, nil
}

// Raw exposes the underlying connection for read deadlines and control handlers.
func (c *WSConn) Raw() *websocket.Conn { return c.conn }

// ReadMessage returns the next data frame. Read failures are TransportDown.
func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, Transport(err)
	}
	return data, nil
}

// WriteText sends one text frame.
func (c *WSConn) WriteText(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return Transport(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		return Transport(err)
	}
	return nil
}

// WriteJSON encodes v into one text frame.
func (c *WSConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteText(string(b))
}

// Close sends a close frame and releases the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
