// ABOUTME: Hub tests over real WebSocket connections via httptest.
// ABOUTME: The bridge side is faked; streaming is covered in stream_test.go.

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/familiar/internal/bridge"
	"github.com/2389/familiar/internal/session"
)

type toolCallRecord struct {
	Server string
	Tool   string
	Args   map[string]any
}

// fakeToolBridge stands in for the bridge registry. Streamed calls are
// exercised against a real registry in stream_test.go.
type fakeToolBridge struct {
	mu      sync.Mutex
	calls   []toolCallRecord
	result  json.RawMessage
	callErr error
	tools   []bridge.Tool
	status  map[string]bridge.Status
}

func (f *fakeToolBridge) CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolCallRecord{Server: server, Tool: tool, Args: args})
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func (f *fakeToolBridge) CallToolStream(ctx context.Context, server, tool string, args map[string]any) (*bridge.ToolStream, error) {
	return nil, errors.New("streaming not supported by fake")
}

func (f *fakeToolBridge) ListTools(ctx context.Context, server string) ([]bridge.Tool, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.tools, nil
}

func (f *fakeToolBridge) Status() map[string]bridge.Status {
	if f.status == nil {
		return map[string]bridge.Status{}
	}
	return f.status
}

func (f *fakeToolBridge) recorded() []toolCallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]toolCallRecord, len(f.calls))
	copy(out, f.calls)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, tools ToolBridge, opts Options) (*Hub, *session.Store, *httptest.Server) {
	t.Helper()
	store := session.NewStore(session.NewMemoryStorage(), session.Options{
		TTL:                  time.Hour,
		MaxSessionsPerClient: 10,
	}, testLogger())

	hub := NewHub(store, tools, opts, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.Accept))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		store.Close()
	})
	return hub, store, srv
}

// dial connects and consumes the connect confirmation envelope.
func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, srv.URL+"?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })

	confirm := readEnvelope(t, ws)
	require.Equal(t, TypeConnect, confirm.Type)
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var env Envelope
	require.NoError(t, wsjson.Read(ctx, ws, &env))
	return &env
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, env *Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, env))
}

func TestHub_ConnectConfirmation(t *testing.T) {
	hub, _, srv := newTestHub(t, &fakeToolBridge{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, srv.URL+"?client=c1", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	confirm := readEnvelope(t, ws)
	assert.Equal(t, TypeConnect, confirm.Type)
	assert.Equal(t, "c1", confirm.Data["client_id"])
	assert.NotEmpty(t, confirm.ID)
	assert.False(t, confirm.Timestamp.IsZero())

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_PingPong(t *testing.T) {
	_, _, srv := newTestHub(t, &fakeToolBridge{}, Options{})
	ws := dial(t, srv, "client=c1")

	writeEnvelope(t, ws, NewEnvelope(TypePing, "", nil))
	pong := readEnvelope(t, ws)
	assert.Equal(t, TypePong, pong.Type)
}

func TestHub_SessionLifecycle(t *testing.T) {
	_, _, srv := newTestHub(t, &fakeToolBridge{}, Options{})
	ws := dial(t, srv, "client=c1")

	writeEnvelope(t, ws, NewEnvelope(TypeSessionCreate, "", map[string]any{
		"metadata": map[string]any{"case": "A-100"},
	}))
	created := readEnvelope(t, ws)
	require.Equal(t, TypeSessionCreate, created.Type)
	sessionID, _ := created.Data["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, sessionID, created.SessionID)
	assert.Equal(t, "active", created.Data["state"])

	writeEnvelope(t, ws, NewEnvelope(TypeSessionStatus, sessionID, nil))
	status := readEnvelope(t, ws)
	require.Equal(t, TypeSessionStatus, status.Type)
	assert.Equal(t, "c1", status.Data["client_id"])

	writeEnvelope(t, ws, NewEnvelope(TypeSessionDestroy, sessionID, nil))
	destroyed := readEnvelope(t, ws)
	require.Equal(t, TypeSessionDestroy, destroyed.Type)
	assert.Equal(t, sessionID, destroyed.Data["session_id"])

	writeEnvelope(t, ws, NewEnvelope(TypeSessionStatus, sessionID, nil))
	missing := readEnvelope(t, ws)
	assert.Equal(t, TypeError, missing.Type)
}

func TestHub_ToolCallDirectReply(t *testing.T) {
	fake := &fakeToolBridge{result: json.RawMessage(`{"pages": 3}`)}
	_, _, srv := newTestHub(t, fake, Options{})
	ws := dial(t, srv, "client=c1")

	call := NewEnvelope(TypeToolCall, "", map[string]any{
		"server":    "docs",
		"name":      "extract",
		"arguments": map[string]any{"path": "a.pdf"},
	})
	writeEnvelope(t, ws, call)

	resp := readEnvelope(t, ws)
	require.Equal(t, TypeToolResponse, resp.Type)
	assert.Equal(t, call.ID, resp.Data["request_id"])
	assert.Equal(t, "docs", resp.Data["server"])
	result, _ := resp.Data["result"].(map[string]any)
	require.NotNil(t, result)
	assert.Equal(t, float64(3), result["pages"])

	calls := fake.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "docs", calls[0].Server)
	assert.Equal(t, "extract", calls[0].Tool)
	assert.Equal(t, "a.pdf", calls[0].Args["path"])
}

func TestHub_ToolCallFailure(t *testing.T) {
	fake := &fakeToolBridge{callErr: fmt.Errorf("docs: %w", bridge.ErrServerNotFound)}
	_, _, srv := newTestHub(t, fake, Options{})
	ws := dial(t, srv, "client=c1")

	call := NewEnvelope(TypeToolCall, "", map[string]any{"server": "docs", "name": "extract"})
	writeEnvelope(t, ws, call)

	resp := readEnvelope(t, ws)
	require.Equal(t, TypeError, resp.Type)
	assert.Equal(t, call.ID, resp.Data["request_id"])
	assert.Contains(t, resp.Data["error"], "tool server not found")
}

func TestHub_ToolCallBroadcastToSession(t *testing.T) {
	fake := &fakeToolBridge{result: json.RawMessage(`{"ok": true}`)}
	_, store, srv := newTestHub(t, fake, Options{})

	sess, err := store.Create(context.Background(), "caller", nil)
	require.NoError(t, err)

	caller := dial(t, srv, "client=caller&session="+sess.ID)
	watcher := dial(t, srv, "client=watcher&session="+sess.ID)

	writeEnvelope(t, caller, NewEnvelope(TypeToolCall, sess.ID, map[string]any{
		"server": "docs",
		"name":   "extract",
	}))

	// Both subscribers see the broadcast response.
	for _, ws := range []*websocket.Conn{caller, watcher} {
		resp := readEnvelope(t, ws)
		require.Equal(t, TypeToolResponse, resp.Type)
		assert.Equal(t, sess.ID, resp.SessionID)
	}

	// The call landed in the session history.
	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "tool_call", got.History[0].Type)
	assert.Equal(t, "tool_response", got.History[1].Type)
}

func TestHub_ToolList(t *testing.T) {
	fake := &fakeToolBridge{tools: []bridge.Tool{{Name: "extract"}, {Name: "summarize"}}}
	_, _, srv := newTestHub(t, fake, Options{})
	ws := dial(t, srv, "client=c1")

	writeEnvelope(t, ws, NewEnvelope(TypeToolList, "", map[string]any{"server": "docs"}))
	resp := readEnvelope(t, ws)
	require.Equal(t, TypeToolList, resp.Type)
	assert.Equal(t, "docs", resp.Data["server"])
	tools, _ := resp.Data["tools"].([]any)
	assert.Len(t, tools, 2)
}

func TestHub_StatusEnvelope(t *testing.T) {
	fake := &fakeToolBridge{status: map[string]bridge.Status{
		"docs": {State: bridge.StateConnected},
	}}
	_, _, srv := newTestHub(t, fake, Options{})
	ws := dial(t, srv, "client=c1")

	writeEnvelope(t, ws, NewEnvelope(TypeStatus, "", nil))
	resp := readEnvelope(t, ws)
	require.Equal(t, TypeStatus, resp.Type)
	assert.Equal(t, float64(1), resp.Data["clients"])
	servers, _ := resp.Data["servers"].(map[string]any)
	require.Contains(t, servers, "docs")
}

func TestHub_UnknownEnvelopeType(t *testing.T) {
	_, _, srv := newTestHub(t, &fakeToolBridge{}, Options{})
	ws := dial(t, srv, "client=c1")

	writeEnvelope(t, ws, NewEnvelope(EnvelopeType("bogus"), "", nil))
	resp := readEnvelope(t, ws)
	require.Equal(t, TypeError, resp.Type)
	assert.Contains(t, resp.Data["error"], "unknown envelope type")
}

func TestHub_BroadcastSkipsDeadSocket(t *testing.T) {
	hub, store, srv := newTestHub(t, &fakeToolBridge{}, Options{})

	sess, err := store.Create(context.Background(), "c1", nil)
	require.NoError(t, err)

	alive1 := dial(t, srv, "client=c1&session="+sess.ID)
	alive2 := dial(t, srv, "client=c2&session="+sess.ID)
	dead := dial(t, srv, "client=c3&session="+sess.ID)

	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, time.Second, 10*time.Millisecond)
	dead.Close(websocket.StatusNormalClosure, "gone")
	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(sess.ID, NewEnvelope(TypeStatus, sess.ID, map[string]any{"note": "fanout"}))

	for _, ws := range []*websocket.Conn{alive1, alive2} {
		env := readEnvelope(t, ws)
		assert.Equal(t, TypeStatus, env.Type)
		assert.Equal(t, "fanout", env.Data["note"])
	}

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestHub_ReplayRecentEvents(t *testing.T) {
	hub, store, srv := newTestHub(t, &fakeToolBridge{}, Options{ReplayCount: 10})

	sess, err := store.Create(context.Background(), "c1", nil)
	require.NoError(t, err)

	// Buffered with no subscribers attached.
	for i := 0; i < 15; i++ {
		hub.Broadcast(sess.ID, NewEnvelope(TypeStatus, sess.ID, map[string]any{"seq": i}))
	}

	ws := dial(t, srv, "client=late&session="+sess.ID)

	// A late joiner sees only the most recent ten, oldest first.
	for want := 5; want < 15; want++ {
		env := readEnvelope(t, ws)
		assert.Equal(t, float64(want), env.Data["seq"])
	}
}

func TestHub_EventBufferBounded(t *testing.T) {
	hub, store, srv := newTestHub(t, &fakeToolBridge{}, Options{ReplayCount: 100, EventBufferSize: 5})

	sess, err := store.Create(context.Background(), "c1", nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		hub.Broadcast(sess.ID, NewEnvelope(TypeStatus, sess.ID, map[string]any{"seq": i}))
	}

	ws := dial(t, srv, "client=late&session="+sess.ID)
	env := readEnvelope(t, ws)
	assert.Equal(t, float64(15), env.Data["seq"], "buffer should hold only the newest events")
}

func TestHub_KeepaliveDropsSilentClient(t *testing.T) {
	hub, _, srv := newTestHub(t, &fakeToolBridge{}, Options{PingInterval: 50 * time.Millisecond})

	dial(t, srv, "client=quiet")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	// The client never sends anything, so after 2x the ping interval the hub
	// lets it go.
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestHub_KeepaliveKeepsResponsiveClient(t *testing.T) {
	hub, _, srv := newTestHub(t, &fakeToolBridge{}, Options{PingInterval: 50 * time.Millisecond})
	ws := dial(t, srv, "client=chatty")

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, ws)
		if env.Type == TypePing {
			writeEnvelope(t, ws, NewEnvelope(TypePong, "", nil))
		}
	}
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_SupersededConnection(t *testing.T) {
	hub, _, srv := newTestHub(t, &fakeToolBridge{}, Options{})

	dial(t, srv, "client=c1")
	dial(t, srv, "client=c1")

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	stats := hub.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "c1", stats[0].ClientID)
}

func TestHub_StatsSnapshot(t *testing.T) {
	hub, store, srv := newTestHub(t, &fakeToolBridge{}, Options{})

	sess, err := store.Create(context.Background(), "b", nil)
	require.NoError(t, err)
	dial(t, srv, "client=b&session="+sess.ID)
	dial(t, srv, "client=a")

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	stats := hub.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].ClientID)
	assert.Equal(t, "b", stats[1].ClientID)
	assert.Equal(t, sess.ID, stats[1].SessionID)
	assert.False(t, stats[0].ConnectedAt.IsZero())
}
