// ABOUTME: Entry point for the familiar tool bridge gateway
// ABOUTME: Supervises tool-server subprocesses and serves the HTTP/WebSocket API

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/familiar/internal/config"
	"github.com/2389/familiar/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   __                 _ _ _
  / _| __ _ _ __ ___ (_) (_) __ _ _ __
 | |_ / _' | '_ ' _ \| | | |/ _' | '__|
 |  _| (_| | | | | | | | | | (_| | |
 |_|  \__,_|_| |_| |_|_|_|_|\__,_|_|
`

// getConfigPath returns the path to the config file.
// Priority: FAMILIAR_CONFIG env var > XDG_CONFIG_HOME/familiar/familiar.yaml > ~/.config/familiar/familiar.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FAMILIAR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "familiar.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "familiar", "familiar.yaml")
}

// getDataPath returns the path to the familiar data directory.
// Priority: XDG_DATA_HOME/familiar > ~/.local/share/familiar
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "familiar")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: familiar <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the tool bridge gateway")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check gateway health")
		fmt.Println("  status   Show tool servers, clients, and sessions")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseConfigFlag resolves the config path for a subcommand, letting -config
// override the env/XDG lookup.
func parseConfigFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "config file path (default: FAMILIAR_CONFIG or ~/.config/familiar/familiar.yaml)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *path != "" {
		return *path, nil
	}
	return getConfigPath(), nil
}

func runServe(ctx context.Context, args []string) error {
	configPath, err := parseConfigFlag("serve", args)
	if err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Gateway.Listen)
	green.Print("    ▶ ")
	fmt.Printf("Sessions: %s\n", cfg.Sessions.Backend)

	for _, srv := range cfg.Servers {
		green.Print("    ▶ ")
		fmt.Printf("Server:   ")
		cyan.Print(srv.Name)
		gray.Printf(" (%s)", srv.Command)
		if !srv.AutoRestart {
			yellow.Print(" [unsupervised]")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting familiar",
		"config", configPath,
		"listen", cfg.Gateway.Listen,
		"servers", len(cfg.Servers),
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context, args []string) error {
	configPath, err := parseConfigFlag("health", args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/healthz", cfg.Gateway.Listen)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	configPath, err := parseConfigFlag("status", args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to status endpoint with context
	url := fmt.Sprintf("http://%s/status", cfg.Gateway.Listen)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit(args []string) error {
	defaultPath, err := parseConfigFlag("init", args)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("familiar configuration setup")
	fmt.Println("============================")
	fmt.Println()

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Gateway configuration
	fmt.Println("\n--- Gateway Configuration ---")
	listenAddr := prompt(reader, "HTTP listen address", "0.0.0.0:8080")

	// Sessions
	fmt.Println("\n--- Session Configuration ---")
	backend := prompt(reader, "Session backend (memory/redis/sqlite)", "memory")

	var redisAddr, sqlitePath string
	switch backend {
	case "redis":
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	case "sqlite":
		defaultDBPath := filepath.Join(getDataPath(), "familiar.db")
		sqlitePath = prompt(reader, "SQLite database path", defaultDBPath)
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (console/json)", "console")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# familiar configuration\n")
	cfg.WriteString("# Generated by familiar init\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("# Tool servers are subprocesses speaking line-delimited JSON-RPC on stdio.\n")
	cfg.WriteString("servers: []\n")
	cfg.WriteString("# servers:\n")
	cfg.WriteString("#   - name: \"docs\"\n")
	cfg.WriteString("#     command: \"python\"\n")
	cfg.WriteString("#     args: [\"-m\", \"docs_server\"]\n")
	cfg.WriteString("#     auto_restart: true\n")
	cfg.WriteString("#     max_retries: 5\n")
	cfg.WriteString("#     retry_delay: \"1s\"\n")
	cfg.WriteString("#     health_check_interval: \"30s\"\n")
	cfg.WriteString("#     timeout: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString(fmt.Sprintf("  backend: \"%s\"\n", backend))
	cfg.WriteString("  ttl: \"1h\"\n")
	cfg.WriteString("  max_sessions_per_client: 10\n")
	cfg.WriteString("  max_history: 1000\n")
	cfg.WriteString("  cleanup_interval: \"5m\"\n")
	switch backend {
	case "redis":
		cfg.WriteString("  redis:\n")
		cfg.WriteString(fmt.Sprintf("    addr: \"%s\"\n", redisAddr))
		cfg.WriteString("    password: \"${FAMILIAR_REDIS_PASSWORD}\"\n")
		cfg.WriteString("    db: 0\n")
	case "sqlite":
		cfg.WriteString("  sqlite:\n")
		cfg.WriteString(fmt.Sprintf("    path: \"%s\"\n", sqlitePath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("gateway:\n")
	cfg.WriteString(fmt.Sprintf("  listen: \"%s\"\n", listenAddr))
	cfg.WriteString("  ping_interval: \"30s\"\n")
	cfg.WriteString("  replay_count: 10\n")
	cfg.WriteString("  event_buffer_size: 100\n")

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists for the sqlite backend
	if backend == "sqlite" {
		dataDir := filepath.Dir(sqlitePath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  familiar serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
