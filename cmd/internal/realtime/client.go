// Package realtime routes live events to connected clients: it owns the room
// registry, ephemeral presence, and the WebSocket gateway. Nothing here is
// persisted; clients reconcile through the query API on reconnect.
package realtime

import (
	"sync"

	"chatsync/cmd/internal/auth"
	v1 "chatsync/contracts/realtime/v1"
)

// Client represents one connected live session.
//
// Design notes:
//   - Send is intentionally NOT closed by the server to avoid panics from
//     concurrent broadcasters.
//   - done signals goroutines to stop; Close is idempotent.
//   - A client starts unauthenticated; SetIdentity moves it to authenticated.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	identity *auth.Identity
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// SetIdentity binds the verified identity to the session.
func (c *Client) SetIdentity(id auth.Identity) {
	c.mu.Lock()
	c.identity = &id
	c.mu.Unlock()
}

// Identity returns the bound identity, if the session is authenticated.
func (c *Client) Identity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return auth.Identity{}, false
	}
	return *c.identity, true
}

// Authenticated reports whether a verified identity is bound.
func (c *Client) Authenticated() bool {
	_, ok := c.Identity()
	return ok
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
