package transport

import (
	"context"
	"errors"
)

// ErrRemoteClosed is wrapped by [Conn.Read] errors when the remote closed
// the connection normally. The session then closes without reconnecting.
var ErrRemoteClosed = errors.New("transport: closed by remote")

// MessageType distinguishes binary from text messages.
type MessageType int

const (
	MessageBinary MessageType = iota
	MessageText
)

// Conn is one established bidirectional message connection.
//
// Read and Write may be called concurrently with each other, but each from
// at most one goroutine at a time.
type Conn interface {
	// Read blocks until the next message arrives. A normal remote closure is
	// reported as an error wrapping [ErrRemoteClosed].
	Read(ctx context.Context) (MessageType, []byte, error)

	// Write sends b as one binary message.
	Write(ctx context.Context, b []byte) error

	// Close tears the connection down with a normal closure. Calling Close
	// more than once is safe.
	Close() error
}

// Dialer establishes connections.
type Dialer interface {
	// Dial connects to endpoint. ctx bounds the connection attempt only.
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}
