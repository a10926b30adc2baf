// ABOUTME: One accepted WebSocket client: identity, session binding, liveness bookkeeping.

package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Conn wraps a websocket with the hub-side state for one client. Writes are
// serialized so broadcasts, replies, and keepalive pings never interleave.
type Conn struct {
	ws          *websocket.Conn
	clientID    string
	connectedAt time.Time

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	lastSeen  time.Time
}

func newConn(ws *websocket.Conn, clientID string) *Conn {
	now := time.Now()
	return &Conn{
		ws:          ws,
		clientID:    clientID,
		connectedAt: now,
		lastSeen:    now,
	}
}

func (c *Conn) ClientID() string { return c.clientID }

func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) bindSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// touch records inbound traffic; anything heard from the client counts as
// liveness, not just pongs.
func (c *Conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

func (c *Conn) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Conn) send(ctx context.Context, env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, env)
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

// Info is the monitoring snapshot of one connection.
type Info struct {
	ClientID    string    `json:"client_id"`
	SessionID   string    `json:"session_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

func (c *Conn) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ClientID:    c.clientID,
		SessionID:   c.sessionID,
		ConnectedAt: c.connectedAt,
		LastSeen:    c.lastSeen,
	}
}
