// Package realtime provides the WebSocket gateway between clients and the bridge.
//
// # Overview
//
// The realtime package accepts WebSocket clients, binds them to sessions,
// routes their command envelopes to the session store and the tool bridge,
// and fans results out to every socket subscribed to the same session.
//
// # Envelopes
//
// Every message in either direction is one JSON envelope:
//
//	{
//	    "id": "b32c...",
//	    "type": "tool_call",
//	    "data": {"server": "docs", "name": "search", "arguments": {...}},
//	    "timestamp": "2025-11-02T10:00:00Z",
//	    "sessionId": "f81d..."
//	}
//
// Client-issued types: ping, pong, session_create, session_destroy,
// session_status, tool_call, tool_list, status, disconnect.
//
// Server-issued types: connect, pong, ping, session_* confirmations,
// tool_response, tool_list, stream, status, error.
//
// # Hub
//
// The Hub owns all connections and per-session event buffers:
//
//	hub := realtime.NewHub(store, registry, opts, logger)
//	mux.HandleFunc("/ws", hub.Accept)
//
// Key operations:
//
//   - Accept(w, r): Upgrade, confirm, and run the client's receive loop
//   - Broadcast(sessionID, env): Buffer + deliver to all session subscribers
//   - Stats(): Monitoring snapshot of every connection
//   - Close(): Drop all clients and stop the keepalive loop
//
// # Connection Flow
//
// When a client connects to /ws?client={id}&session={id}:
//
//  1. The socket is upgraded (origin patterns from configuration)
//  2. A connect envelope confirms the assigned client id
//  3. A new socket supersedes any previous socket with the same client id
//  4. If a session was named, the socket binds to it and recent events replay
//  5. The receive loop routes each envelope until the socket closes
//
// # Broadcast and Replay
//
// Results are fanned out per session: every envelope broadcast to a session
// lands in that session's bounded event buffer (default 100) and is written
// to each subscribed socket. Late joiners receive the last replayCount
// (default 10) buffered events on bind. A socket that cannot be written to
// is closed and removed; other subscribers are unaffected.
//
// # Streamed Tool Calls
//
// A tool_call with "stream": true relays the worker's partial results as
// stream envelopes (request_id, seq, chunk) before the final tool_response.
// The relay runs off the receive loop, so the client can keep issuing
// commands mid-stream.
//
// # Keepalive
//
// The hub pings every client each PingInterval and drops connections silent
// for more than twice that. Any inbound traffic counts as liveness, not just
// pongs.
package realtime
