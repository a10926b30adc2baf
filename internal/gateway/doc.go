// Package gateway orchestrates the familiar server components.
//
// # Overview
//
// The gateway package is the central coordinator of the familiar server.
// It owns and manages all major components: the bridge registry supervising
// tool server subprocesses, the session store, the realtime WebSocket hub,
// and the HTTP server.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    storage    session.SessionStorage
//	    store      *session.Store
//	    registry   *bridge.Registry
//	    hub        *realtime.Hub
//	    httpServer *http.Server
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /healthz - Liveness check with per-server bridge states
//   - GET /readyz - Readiness check (503 until supervised servers are up)
//   - GET /status - Server states plus client and session counters
//   - GET /connections - Connected WebSocket clients
//   - POST /sessions - Create a session
//   - GET /sessions/{id} - Fetch a session
//   - DELETE /sessions/{id} - Destroy a session
//   - GET /tools/{server} - List a tool server's tools
//   - POST /tools/{server}/call - Invoke a tool
//   - GET /ws - WebSocket upgrade into the realtime hub
//
// # Readiness
//
// /readyz gates on every auto_restart tool server being connected or
// reconnecting. A server that exhausted its retries (terminal error state)
// keeps the gateway not-ready until an operator intervenes. Servers with
// auto_restart disabled are excluded from the gate.
//
// # Tool Invocation
//
// POST /tools/{server}/call accepts:
//
//	{"name": "search", "arguments": {"query": "..."}, "sessionId": "..."}
//
// When sessionId is set, the call and its outcome are appended to the
// session's history and the result is broadcast to every WebSocket client
// bound to that session, exactly as if the call had been issued over the
// socket.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run connects the configured tool servers, serves HTTP until the context is
// canceled, then shuts down in order: HTTP server, hub, registry, store,
// storage backend.
//
// # Key Files
//
//   - gateway.go: Gateway struct, component wiring, Run/Shutdown
//   - api.go: HTTP handlers
package gateway
