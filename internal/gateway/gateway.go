// ABOUTME: Gateway orchestrator that wires the bridge, session store, and realtime hub
// ABOUTME: Manages the HTTP server lifecycle and graceful shutdown of all components

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/familiar/internal/bridge"
	"github.com/2389/familiar/internal/config"
	"github.com/2389/familiar/internal/realtime"
	"github.com/2389/familiar/internal/session"
)

// Gateway orchestrates the familiar server components. It owns the bridge
// registry supervising tool server subprocesses, the session store, the
// realtime hub, and the HTTP server exposing them.
type Gateway struct {
	config     *config.Config
	logger     *slog.Logger
	storage    session.SessionStorage
	store      *session.Store
	registry   *bridge.Registry
	hub        *realtime.Hub
	httpServer *http.Server

	// mockTools is used for testing to inject a fake tool bridge.
	mockTools realtime.ToolBridge
}

// initStorage creates the session backend selected by configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (session.SessionStorage, error) {
	switch cfg.Sessions.Backend {
	case config.BackendMemory:
		return session.NewMemoryStorage(), nil
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return session.NewRedisStorage(ctx, cfg.Sessions.Redis.Addr, cfg.Sessions.Redis.Password, cfg.Sessions.Redis.DB, logger)
	case config.BackendSQLite:
		return session.NewSQLiteStorage(cfg.Sessions.SQLite.Path, logger)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Sessions.Backend)
	}
}

// descriptors maps the configured tool servers to bridge descriptors.
func descriptors(cfg *config.Config) []bridge.ServerDescriptor {
	descs := make([]bridge.ServerDescriptor, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		descs[i] = bridge.ServerDescriptor{
			Name:                srv.Name,
			Command:             srv.Command,
			Args:                srv.Args,
			Env:                 srv.Env,
			WorkingDir:          srv.WorkingDir,
			AutoRestart:         srv.AutoRestart,
			MaxRetries:          srv.MaxRetries,
			RetryDelay:          srv.RetryDelay,
			HealthCheckInterval: srv.HealthCheckInterval,
			Timeout:             srv.Timeout,
		}
	}
	return descs
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	storage, err := initStorage(cfg, logger.With("component", "session"))
	if err != nil {
		return nil, fmt.Errorf("initializing session storage: %w", err)
	}

	store := session.NewStore(storage, session.Options{
		TTL:                  cfg.Sessions.TTL,
		MaxSessionsPerClient: cfg.Sessions.MaxSessionsPerClient,
		CleanupInterval:      cfg.Sessions.CleanupInterval,
		MaxHistory:           cfg.Sessions.MaxHistory,
	}, logger.With("component", "session"))

	registry := bridge.NewRegistry(logger.With("component", "bridge"))

	hub := realtime.NewHub(store, registry, realtime.Options{
		PingInterval:    cfg.Gateway.PingInterval,
		ReplayCount:     cfg.Gateway.ReplayCount,
		EventBufferSize: cfg.Gateway.EventBufferSize,
		AllowedOrigins:  cfg.Gateway.AllowedOrigins,
	}, logger)

	gw := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		storage:  storage,
		store:    store,
		registry: registry,
		hub:      hub,
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Gateway.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run connects the configured tool servers, starts the HTTP server, and
// blocks until the context is canceled or the server fails. Returns nil on
// graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.registry.Initialize(ctx, descriptors(g.config))

	ln, err := net.Listen("tcp", g.config.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Gateway.Listen, err)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer starts the HTTP server in a goroutine, returning error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout. The
// run context is already canceled by the time this is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server, disconnects clients, stops tool
// server subprocesses, and releases the session backend.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.hub.Close()
	g.registry.Shutdown()
	g.store.Close()
	errs = appendCloseError(errs, "storage close", g.storage.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// tools returns the tool bridge (mock or real registry).
func (g *Gateway) tools() realtime.ToolBridge {
	if g.mockTools != nil {
		return g.mockTools
	}
	return g.registry
}
