package chat

import (
	"sync"

	v1 "huddle/contracts/chat/v1"
)

// Conn represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - UserID/UserName/Avatar are assigned once during the hello handshake,
//   before the connection is registered; they are read-only afterwards.
type Conn struct {
	ID       string
	UserID   string
	UserName string
	Avatar   string
	Send     chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(id string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		ID:   id,
		Send: make(chan v1.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
