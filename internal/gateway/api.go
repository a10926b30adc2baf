// ABOUTME: HTTP API handlers for health, status, sessions, and tool invocation
// ABOUTME: Thin JSON layer over the bridge registry, session store, and realtime hub

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/familiar/internal/bridge"
	"github.com/2389/familiar/internal/realtime"
	"github.com/2389/familiar/internal/session"
)

// CreateSessionRequest is the JSON request body for POST /sessions.
type CreateSessionRequest struct {
	ClientID string         `json:"clientId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolCallRequest is the JSON request body for POST /tools/{server}/call.
// SessionID is optional; when set, the call and its outcome are recorded in
// the session's history and the result is broadcast to session subscribers.
type ToolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

// registerRoutes registers all HTTP routes on the mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", g.handleHealthz)
	mux.HandleFunc("/readyz", g.handleReadyz)
	mux.HandleFunc("/status", g.handleStatus)
	mux.HandleFunc("/connections", g.handleConnections)
	mux.HandleFunc("/sessions", g.handleCreateSession)
	mux.HandleFunc("/sessions/", g.handleSessionRoutes)
	mux.HandleFunc("/tools/", g.handleToolRoutes)
	mux.HandleFunc("/ws", g.hub.Accept)
}

// handleHealthz handles GET /healthz. It reports liveness: the process is up
// and serving, regardless of tool server states (those are included for
// inspection).
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"servers": g.tools().Status(),
	})
}

// handleReadyz handles GET /readyz. The gateway is ready once every
// supervised (auto_restart) tool server is connected, or degraded but still
// reconnecting. Servers in a terminal error state block readiness.
func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := g.tools().Status()
	var waiting []string
	for _, srv := range g.config.Servers {
		if !srv.AutoRestart {
			continue
		}
		st, ok := status[srv.Name]
		if !ok || (st.State != bridge.StateConnected && st.State != bridge.StateReconnecting) {
			waiting = append(waiting, srv.Name)
		}
	}

	if len(waiting) > 0 {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":      "not ready",
			"waiting_for": waiting,
		})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleStatus handles GET /status requests.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	count, err := g.store.Count(r.Context())
	if err != nil {
		g.logger.Error("failed to count sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"servers":  g.tools().Status(),
		"clients":  g.hub.ClientCount(),
		"sessions": count,
	})
}

// handleConnections handles GET /connections requests.
func (g *Gateway) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"connections": g.hub.Stats(),
	})
}

// handleCreateSession handles POST /sessions requests.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	sess, err := g.store.Create(r.Context(), req.ClientID, req.Metadata)
	if err != nil {
		g.logger.Error("failed to create session", "client_id", req.ClientID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusCreated, sess)
}

// handleSessionRoutes handles GET and DELETE /sessions/{id} requests.
func (g *Gateway) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := g.store.Get(r.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			g.logger.Error("failed to get session", "session_id", id, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.writeJSON(w, http.StatusOK, sess)

	case http.MethodDelete:
		err := g.store.Destroy(r.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			g.logger.Error("failed to destroy session", "session_id", id, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]string{"session_id": id})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleToolRoutes dispatches /tools/{server} and /tools/{server}/call.
func (g *Gateway) handleToolRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tools/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		g.handleListTools(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "" && parts[1] == "call":
		g.handleToolCall(w, r, parts[0])
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleListTools handles GET /tools/{server} requests.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request, server string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tools, err := g.tools().ListTools(r.Context(), server)
	if err != nil {
		g.toolError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"server": server,
		"tools":  tools,
	})
}

// handleToolCall handles POST /tools/{server}/call requests.
func (g *Gateway) handleToolCall(w http.ResponseWriter, r *http.Request, server string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	g.appendHistory(r, req.SessionID, session.HistoryEntry{
		Type: "tool_call",
		Data: map[string]any{"server": server, "name": req.Name},
	})

	result, err := g.tools().CallTool(r.Context(), server, req.Name, req.Arguments)
	if err != nil {
		g.appendHistory(r, req.SessionID, session.HistoryEntry{
			Type: "tool_response",
			Data: map[string]any{"server": server, "name": req.Name, "error": err.Error()},
		})
		g.toolError(w, err)
		return
	}

	g.appendHistory(r, req.SessionID, session.HistoryEntry{
		Type: "tool_response",
		Data: map[string]any{"server": server, "name": req.Name},
	})

	// Session subscribers see HTTP-initiated results the same way they see
	// results of calls issued over the socket.
	if req.SessionID != "" {
		g.hub.Broadcast(req.SessionID, realtime.NewEnvelope(realtime.TypeToolResponse, req.SessionID, map[string]any{
			"server": server,
			"name":   req.Name,
			"result": json.RawMessage(result),
		}))
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"server": server,
		"name":   req.Name,
		"result": json.RawMessage(result),
	})
}

// appendHistory records a history entry when the request names a session.
func (g *Gateway) appendHistory(r *http.Request, sessionID string, entry session.HistoryEntry) {
	if sessionID == "" {
		return
	}
	if err := g.store.AddHistory(r.Context(), sessionID, entry); err != nil {
		g.logger.Warn("recording session history failed", "session_id", sessionID, "error", err)
	}
}

// toolError maps a bridge error to the appropriate HTTP status.
func (g *Gateway) toolError(w http.ResponseWriter, err error) {
	var protoErr *bridge.ProtocolError
	switch {
	case errors.Is(err, bridge.ErrServerNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bridge.ErrNotConnected), errors.Is(err, bridge.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, bridge.ErrTimeout):
		g.sendJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &protoErr):
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
	default:
		g.logger.Error("tool call failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
