package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Default WebSocket limits.
const (
	defaultReadLimit    = 4 << 20
	defaultWriteTimeout = 5 * time.Second
)

// WebSocketDialer dials WebSocket endpoints (ws:// or wss://) with
// github.com/coder/websocket.
type WebSocketDialer struct {
	// Header is sent with the opening handshake. May be nil.
	Header http.Header

	// HTTPClient overrides the client used for the handshake. May be nil.
	HTTPClient *http.Client

	// ReadLimit caps the size of one inbound message in bytes. Defaults to 4 MiB.
	ReadLimit int64

	// WriteTimeout bounds each outbound message write. Defaults to 5s.
	WriteTimeout time.Duration
}

// Dial implements [Dialer].
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	wt := d.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	return &wsConn{conn: conn, writeTimeout: wt}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (c *wsConn) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return 0, nil, fmt.Errorf("%w: %w", ErrRemoteClosed, err)
		}
		return 0, nil, fmt.Errorf("transport: read: %w", err)
	}
	if typ == websocket.MessageText {
		return MessageText, data, nil
	}
	return MessageBinary, data, nil
}

func (c *wsConn) Write(ctx context.Context, b []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return err
}
