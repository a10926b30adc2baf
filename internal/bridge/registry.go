// ABOUTME: Registry over the named set of tool-server connections.
// ABOUTME: Fans out bulk startup/shutdown and routes tool calls to the right connection.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry owns one Connection per configured tool server and is the entry
// point the rest of the application calls tools through.
type Registry struct {
	servers map[string]*Connection
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		servers: make(map[string]*Connection),
		logger:  logger,
	}
}

// Initialize constructs one Connection per descriptor and connects all of
// them concurrently. An individual connect failure is logged and does not
// abort the others; the registry remains usable for the servers that did
// connect.
func (r *Registry) Initialize(ctx context.Context, descs []ServerDescriptor) {
	conns := make([]*Connection, 0, len(descs))
	r.mu.Lock()
	for _, desc := range descs {
		conn := NewConnection(desc, r.logger)
		r.servers[desc.Name] = conn
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	var connected int64
	var countMu sync.Mutex
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			if err := conn.Connect(ctx); err != nil {
				r.logger.Error("tool server failed to connect", "server", conn.Name(), "error", err)
				return
			}
			countMu.Lock()
			connected++
			countMu.Unlock()
		}(conn)
	}
	wg.Wait()

	r.logger.Info("bridge initialized", "connected", connected, "configured", len(descs))
}

// Get returns the connection registered under name.
func (r *Registry) Get(name string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.servers[name]
	return conn, ok
}

// Names returns the registered server names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool invokes a tool on the named server and returns its raw result.
func (r *Registry) CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	conn, ok := r.Get(server)
	if !ok {
		return nil, fmt.Errorf("%s: %w", server, ErrServerNotFound)
	}

	r.logger.Debug("calling tool", "server", server, "tool", tool)
	return conn.SendRequest(ctx, methodCallTool, map[string]any{
		"name":      tool,
		"arguments": args,
	})
}

// CallToolStream invokes a tool whose worker may emit partial results,
// returning a stream handle the caller consumes.
func (r *Registry) CallToolStream(ctx context.Context, server, tool string, args map[string]any) (*ToolStream, error) {
	conn, ok := r.Get(server)
	if !ok {
		return nil, fmt.Errorf("%s: %w", server, ErrServerNotFound)
	}

	r.logger.Debug("calling tool with stream", "server", server, "tool", tool)
	return conn.SendRequestStream(ctx, methodCallTool, map[string]any{
		"name":      tool,
		"arguments": args,
	})
}

// ListTools fetches the named server's tool catalog.
func (r *Registry) ListTools(ctx context.Context, server string) ([]Tool, error) {
	conn, ok := r.Get(server)
	if !ok {
		return nil, fmt.Errorf("%s: %w", server, ErrServerNotFound)
	}

	raw, err := conn.SendRequest(ctx, methodListTools, nil)
	if err != nil {
		return nil, err
	}

	var res toolListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tool list: %w", err)
	}
	return res.Tools, nil
}

// Status returns a per-server snapshot for health reporting. It never blocks
// on network or subprocess I/O.
func (r *Registry) Status() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[string]Status, len(r.servers))
	for name, conn := range r.servers {
		statuses[name] = conn.Status()
	}
	return statuses
}

// Shutdown disconnects every server concurrently.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.servers))
	for _, conn := range r.servers {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			if err := conn.Disconnect(); err != nil {
				r.logger.Warn("disconnect failed", "server", conn.Name(), "error", err)
			}
		}(conn)
	}
	wg.Wait()

	r.logger.Info("bridge shut down", "servers", len(conns))
}
