// Package transport carries server pushes for one session from the real-time endpoint.
package transport

import "context"

// Message is one inbound frame, or the reason the connection ended.
type Message struct {
	Data []byte
	Err  error
}

// Conn is a single connection to a session's channel.
type Conn interface {
	// Inbound delivers frames in arrival order. When the connection fails a final Message with a
	// non-nil Err is delivered; the channel is then closed. After Close no Err is delivered.
	Inbound() <-chan Message
	// Close is idempotent.
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, sessionID string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, sessionID string) (Conn, error) {
	return f(ctx, sessionID)
}
