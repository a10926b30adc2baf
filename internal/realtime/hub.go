// ABOUTME: WebSocket hub: accepts clients, binds them to sessions, routes command
// ABOUTME: envelopes to the bridge/store, and fans session events out to subscribers.

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/familiar/internal/bridge"
	"github.com/2389/familiar/internal/session"
)

const (
	defaultPingInterval    = 30 * time.Second
	defaultReplayCount     = 10
	defaultEventBufferSize = 100

	// writeTimeout bounds every individual socket write so one wedged client
	// cannot stall a broadcast.
	writeTimeout = 5 * time.Second
)

// ToolBridge is the slice of the bridge registry the hub drives.
type ToolBridge interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error)
	CallToolStream(ctx context.Context, server, tool string, args map[string]any) (*bridge.ToolStream, error)
	ListTools(ctx context.Context, server string) ([]bridge.Tool, error)
	Status() map[string]bridge.Status
}

// Options tunes the hub. Zero values fall back to defaults.
type Options struct {
	PingInterval    time.Duration
	ReplayCount     int
	EventBufferSize int
	AllowedOrigins  []string
}

// Hub multiplexes WebSocket clients onto sessions. It owns the per-session
// event buffers used for late-joiner replay and the keepalive loop that
// drops silent clients.
type Hub struct {
	store  *session.Store
	tools  ToolBridge
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn       // clientID -> connection
	events map[string][]*Envelope // sessionID -> bounded event buffer

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub wires the hub and starts its keepalive loop. Close stops it.
func NewHub(store *session.Store, tools ToolBridge, opts Options, logger *slog.Logger) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReplayCount <= 0 {
		opts.ReplayCount = defaultReplayCount
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = defaultEventBufferSize
	}

	h := &Hub{
		store:  store,
		tools:  tools,
		opts:   opts,
		logger: logger.With("component", "realtime"),
		conns:  make(map[string]*Conn),
		events: make(map[string][]*Envelope),
		done:   make(chan struct{}),
	}
	go h.keepalive()
	return h
}

// Accept upgrades the request to a WebSocket, confirms the connection, and
// runs the client's receive loop until the socket closes. The client id comes
// from the `client` query parameter; a `session` parameter binds the socket to
// an existing session and replays its recent events.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.AllowedOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	conn := newConn(ws, clientID)
	h.register(conn)
	h.logger.Info("client connected", "client_id", clientID)

	defer func() {
		h.unregister(conn)
		conn.close(websocket.StatusNormalClosure, "bye")
		h.logger.Info("client disconnected", "client_id", clientID)
	}()

	ctx := r.Context()
	confirm := NewEnvelope(TypeConnect, "", map[string]any{"client_id": clientID})
	if err := conn.send(ctx, confirm); err != nil {
		return
	}

	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		h.bind(ctx, conn, sessionID)
	}

	for {
		var env Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			return
		}
		conn.touch()
		h.route(ctx, conn, &env)
	}
}

// Broadcast appends the envelope to the session's event buffer and delivers
// it to every socket bound to that session. A client that cannot be written
// to is dropped; the others are unaffected.
func (h *Hub) Broadcast(sessionID string, env *Envelope) {
	if env.SessionID == "" {
		env.SessionID = sessionID
	}

	h.mu.Lock()
	buf := append(h.events[sessionID], env)
	if len(buf) > h.opts.EventBufferSize {
		buf = buf[len(buf)-h.opts.EventBufferSize:]
	}
	h.events[sessionID] = buf

	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.SessionID() == sessionID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := h.send(c, env); err != nil {
			h.logger.Warn("dropping unreachable client",
				"client_id", c.ClientID(),
				"session_id", sessionID,
				"error", err,
			)
			h.drop(c, websocket.StatusGoingAway, "unreachable")
		}
	}
}

// Stats returns a monitoring snapshot of all connections, ordered by client id.
func (h *Hub) Stats() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]Info, 0, len(h.conns))
	for _, c := range h.conns {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ClientID < infos[j].ClientID })
	return infos
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close stops the keepalive loop and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		conns := make([]*Conn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.conns = make(map[string]*Conn)
		h.mu.Unlock()

		for _, c := range conns {
			c.close(websocket.StatusGoingAway, "server shutting down")
		}
		h.logger.Info("realtime hub closed")
	})
}

// register installs the connection, superseding any previous socket that used
// the same client id.
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	old := h.conns[c.clientID]
	h.conns[c.clientID] = c
	h.mu.Unlock()

	if old != nil {
		old.close(websocket.StatusNormalClosure, "superseded by new connection")
	}
}

// unregister removes the connection if it is still the registered one, so a
// late defer never evicts a successor socket for the same client id.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if h.conns[c.clientID] == c {
		delete(h.conns, c.clientID)
	}
	h.mu.Unlock()
}

func (h *Hub) drop(c *Conn, code websocket.StatusCode, reason string) {
	h.unregister(c)
	c.close(code, reason)
}

// send writes with the hub-wide write timeout.
func (h *Hub) send(c *Conn, env *Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.send(ctx, env)
}

// reply answers the client that issued a command; failures are logged only,
// the receive loop notices a dead socket on its own.
func (h *Hub) reply(conn *Conn, env *Envelope) {
	if err := h.send(conn, env); err != nil {
		h.logger.Debug("reply failed", "client_id", conn.ClientID(), "type", string(env.Type), "error", err)
	}
}

// bind attaches the socket to an existing session and replays recent events.
func (h *Hub) bind(ctx context.Context, conn *Conn, sessionID string) {
	if _, err := h.store.Get(ctx, sessionID); err != nil {
		h.reply(conn, errorEnvelope(sessionID, "", fmt.Sprintf("session %s: %v", sessionID, err)))
		return
	}
	conn.bindSession(sessionID)
	h.replay(conn, sessionID)
}

// replay sends the tail of the session's event buffer so a late joiner sees
// recent context.
func (h *Hub) replay(conn *Conn, sessionID string) {
	h.mu.RLock()
	buf := h.events[sessionID]
	if len(buf) > h.opts.ReplayCount {
		buf = buf[len(buf)-h.opts.ReplayCount:]
	}
	replayed := make([]*Envelope, len(buf))
	copy(replayed, buf)
	h.mu.RUnlock()

	for _, env := range replayed {
		if err := h.send(conn, env); err != nil {
			return
		}
	}
	if len(replayed) > 0 {
		h.logger.Debug("replayed session events",
			"client_id", conn.ClientID(),
			"session_id", sessionID,
			"events", len(replayed),
		)
	}
}

func (h *Hub) route(ctx context.Context, conn *Conn, env *Envelope) {
	switch env.Type {
	case TypePing:
		h.reply(conn, NewEnvelope(TypePong, env.SessionID, nil))
	case TypePong:
		// Liveness already recorded on read.
	case TypeSessionCreate:
		h.handleSessionCreate(ctx, conn, env)
	case TypeSessionDestroy:
		h.handleSessionDestroy(ctx, conn, env)
	case TypeSessionStatus:
		h.handleSessionStatus(ctx, conn, env)
	case TypeToolCall:
		h.handleToolCall(ctx, conn, env)
	case TypeToolList:
		h.handleToolList(ctx, conn, env)
	case TypeStatus:
		h.reply(conn, NewEnvelope(TypeStatus, "", map[string]any{
			"clients": h.ClientCount(),
			"servers": h.tools.Status(),
		}))
	case TypeDisconnect:
		conn.close(websocket.StatusNormalClosure, "client requested disconnect")
	default:
		h.reply(conn, errorEnvelope(env.SessionID, env.ID, fmt.Sprintf("unknown envelope type %q", env.Type)))
	}
}

func (h *Hub) handleSessionCreate(ctx context.Context, conn *Conn, env *Envelope) {
	metadata, _ := env.Data["metadata"].(map[string]any)
	sess, err := h.store.Create(ctx, conn.ClientID(), metadata)
	if err != nil {
		h.reply(conn, errorEnvelope("", env.ID, fmt.Sprintf("creating session: %v", err)))
		return
	}
	conn.bindSession(sess.ID)
	h.reply(conn, NewEnvelope(TypeSessionCreate, sess.ID, sess.Summary()))
}

func (h *Hub) handleSessionDestroy(ctx context.Context, conn *Conn, env *Envelope) {
	sessionID := h.sessionFor(conn, env)
	if sessionID == "" {
		h.reply(conn, errorEnvelope("", env.ID, "no session bound"))
		return
	}
	if err := h.store.Destroy(ctx, sessionID); err != nil {
		h.reply(conn, errorEnvelope(sessionID, env.ID, fmt.Sprintf("destroying session: %v", err)))
		return
	}
	if conn.SessionID() == sessionID {
		conn.bindSession("")
	}
	h.clearEvents(sessionID)
	h.reply(conn, NewEnvelope(TypeSessionDestroy, sessionID, map[string]any{"session_id": sessionID}))
}

func (h *Hub) handleSessionStatus(ctx context.Context, conn *Conn, env *Envelope) {
	sessionID := h.sessionFor(conn, env)
	if sessionID == "" {
		h.reply(conn, errorEnvelope("", env.ID, "no session bound"))
		return
	}
	sess, err := h.store.Get(ctx, sessionID)
	if err != nil {
		h.reply(conn, errorEnvelope(sessionID, env.ID, fmt.Sprintf("session %s: %v", sessionID, err)))
		return
	}
	h.reply(conn, NewEnvelope(TypeSessionStatus, sessionID, sess.Summary()))
}

func (h *Hub) handleToolCall(ctx context.Context, conn *Conn, env *Envelope) {
	server, _ := env.Data["server"].(string)
	tool, _ := env.Data["name"].(string)
	args, _ := env.Data["arguments"].(map[string]any)
	streamed, _ := env.Data["stream"].(bool)
	if server == "" || tool == "" {
		h.reply(conn, errorEnvelope(env.SessionID, env.ID, "tool_call requires server and name"))
		return
	}

	sessionID := h.sessionFor(conn, env)
	h.appendHistory(ctx, sessionID, session.HistoryEntry{
		Type: "tool_call",
		Data: map[string]any{"server": server, "name": tool},
	})

	if streamed {
		stream, err := h.tools.CallToolStream(ctx, server, tool, args)
		if err != nil {
			h.reply(conn, errorEnvelope(sessionID, env.ID, err.Error()))
			return
		}
		go h.relayStream(ctx, conn, env.ID, sessionID, server, tool, stream)
		return
	}

	result, err := h.tools.CallTool(ctx, server, tool, args)
	if err != nil {
		h.appendHistory(ctx, sessionID, session.HistoryEntry{
			Type: "tool_response",
			Data: map[string]any{"server": server, "name": tool, "error": err.Error()},
		})
		h.reply(conn, errorEnvelope(sessionID, env.ID, err.Error()))
		return
	}
	h.finishToolCall(ctx, conn, env.ID, sessionID, server, tool, result)
}

// relayStream forwards chunks as they arrive, then the final result. It runs
// off the receive loop so the client can keep issuing commands mid-stream.
func (h *Hub) relayStream(ctx context.Context, conn *Conn, requestID, sessionID, server, tool string, stream *bridge.ToolStream) {
	seq := 0
	for chunk := range stream.Chunks() {
		var payload any
		_ = json.Unmarshal(chunk, &payload)
		env := NewEnvelope(TypeStream, sessionID, map[string]any{
			"request_id": requestID,
			"seq":        seq,
			"chunk":      payload,
		})
		seq++
		if err := h.send(conn, env); err != nil {
			h.logger.Debug("stream chunk dropped", "client_id", conn.ClientID(), "error", err)
		}
	}

	result, err := stream.Wait()
	if err != nil {
		h.appendHistory(ctx, sessionID, session.HistoryEntry{
			Type: "tool_response",
			Data: map[string]any{"server": server, "name": tool, "error": err.Error()},
		})
		h.reply(conn, errorEnvelope(sessionID, requestID, err.Error()))
		return
	}
	h.finishToolCall(ctx, conn, requestID, sessionID, server, tool, result)
}

// finishToolCall records the outcome and delivers the tool_response: through
// the session broadcast when one is bound, directly to the caller otherwise.
func (h *Hub) finishToolCall(ctx context.Context, conn *Conn, requestID, sessionID, server, tool string, result json.RawMessage) {
	var payload any
	_ = json.Unmarshal(result, &payload)
	resp := NewEnvelope(TypeToolResponse, sessionID, map[string]any{
		"request_id": requestID,
		"server":     server,
		"name":       tool,
		"result":     payload,
	})

	h.appendHistory(ctx, sessionID, session.HistoryEntry{
		Type: "tool_response",
		Data: map[string]any{"server": server, "name": tool},
	})

	if sessionID != "" {
		h.Broadcast(sessionID, resp)
		return
	}
	h.reply(conn, resp)
}

func (h *Hub) handleToolList(ctx context.Context, conn *Conn, env *Envelope) {
	server, _ := env.Data["server"].(string)
	if server == "" {
		h.reply(conn, errorEnvelope(env.SessionID, env.ID, "tool_list requires server"))
		return
	}
	tools, err := h.tools.ListTools(ctx, server)
	if err != nil {
		h.reply(conn, errorEnvelope(env.SessionID, env.ID, err.Error()))
		return
	}
	h.reply(conn, NewEnvelope(TypeToolList, env.SessionID, map[string]any{
		"server": server,
		"tools":  tools,
	}))
}

// sessionFor resolves the session an envelope targets: an explicit sessionId
// wins, otherwise the socket's binding.
func (h *Hub) sessionFor(conn *Conn, env *Envelope) string {
	if env.SessionID != "" {
		return env.SessionID
	}
	return conn.SessionID()
}

func (h *Hub) appendHistory(ctx context.Context, sessionID string, entry session.HistoryEntry) {
	if sessionID == "" {
		return
	}
	if err := h.store.AddHistory(ctx, sessionID, entry); err != nil {
		h.logger.Warn("recording session history failed", "session_id", sessionID, "error", err)
	}
}

func (h *Hub) clearEvents(sessionID string) {
	h.mu.Lock()
	delete(h.events, sessionID)
	h.mu.Unlock()
}

// keepalive pings every client each interval and drops those silent for more
// than twice the interval.
func (h *Hub) keepalive() {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.pingClients()
		}
	}
}

func (h *Hub) pingClients() {
	staleAfter := 2 * h.opts.PingInterval
	now := time.Now()

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if now.Sub(c.lastActive()) > staleAfter {
			h.logger.Info("dropping stale client",
				"client_id", c.ClientID(),
				"last_seen", c.lastActive().Format(time.RFC3339),
			)
			h.drop(c, websocket.StatusGoingAway, "stale connection")
			continue
		}
		if err := h.send(c, NewEnvelope(TypePing, c.SessionID(), nil)); err != nil {
			h.drop(c, websocket.StatusGoingAway, "unreachable")
		}
	}
}
