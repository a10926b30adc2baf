// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "debug"
  format: "json"

servers:
  - name: "docs"
    command: "python"
    args: ["-m", "docs_server", "--stdio"]
    env:
      DOCS_ROOT: "/srv/docs"
    working_dir: "/srv"
    auto_restart: false
    max_retries: 3
    retry_delay: "2s"
    health_check_interval: "15s"
    timeout: "45s"

  - name: "scraper"
    command: "./scraper"

sessions:
  backend: "sqlite"
  ttl: "2h"
  max_sessions_per_client: 5
  max_history: 200
  cleanup_interval: "10m"
  sqlite:
    path: "./test.db"

gateway:
  listen: "127.0.0.1:9090"
  ping_interval: "10s"
  replay_count: 25
  event_buffer_size: 50
  allowed_origins:
    - "app.example.com"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}

	// Verify tool server config with duration parsing
	if len(cfg.Servers) != 2 {
		t.Fatalf("len(Servers) = %d, want 2", len(cfg.Servers))
	}
	docs := cfg.Servers[0]
	if docs.Name != "docs" {
		t.Errorf("Servers[0].Name = %q, want %q", docs.Name, "docs")
	}
	if docs.Command != "python" {
		t.Errorf("Servers[0].Command = %q, want %q", docs.Command, "python")
	}
	if len(docs.Args) != 3 {
		t.Errorf("Servers[0].Args len = %d, want 3", len(docs.Args))
	}
	if docs.Env["DOCS_ROOT"] != "/srv/docs" {
		t.Errorf("Servers[0].Env[DOCS_ROOT] = %q, want %q", docs.Env["DOCS_ROOT"], "/srv/docs")
	}
	if docs.WorkingDir != "/srv" {
		t.Errorf("Servers[0].WorkingDir = %q, want %q", docs.WorkingDir, "/srv")
	}
	if docs.AutoRestart {
		t.Error("Servers[0].AutoRestart = true, want false for explicit auto_restart: false")
	}
	if docs.MaxRetries != 3 {
		t.Errorf("Servers[0].MaxRetries = %d, want 3", docs.MaxRetries)
	}
	if docs.RetryDelay != 2*time.Second {
		t.Errorf("Servers[0].RetryDelay = %v, want %v", docs.RetryDelay, 2*time.Second)
	}
	if docs.HealthCheckInterval != 15*time.Second {
		t.Errorf("Servers[0].HealthCheckInterval = %v, want %v", docs.HealthCheckInterval, 15*time.Second)
	}
	if docs.Timeout != 45*time.Second {
		t.Errorf("Servers[0].Timeout = %v, want %v", docs.Timeout, 45*time.Second)
	}

	// Verify sessions config
	if cfg.Sessions.Backend != BackendSQLite {
		t.Errorf("Sessions.Backend = %q, want %q", cfg.Sessions.Backend, BackendSQLite)
	}
	if cfg.Sessions.TTL != 2*time.Hour {
		t.Errorf("Sessions.TTL = %v, want %v", cfg.Sessions.TTL, 2*time.Hour)
	}
	if cfg.Sessions.MaxSessionsPerClient != 5 {
		t.Errorf("Sessions.MaxSessionsPerClient = %d, want 5", cfg.Sessions.MaxSessionsPerClient)
	}
	if cfg.Sessions.MaxHistory != 200 {
		t.Errorf("Sessions.MaxHistory = %d, want 200", cfg.Sessions.MaxHistory)
	}
	if cfg.Sessions.CleanupInterval != 10*time.Minute {
		t.Errorf("Sessions.CleanupInterval = %v, want %v", cfg.Sessions.CleanupInterval, 10*time.Minute)
	}
	if cfg.Sessions.SQLite.Path != "./test.db" {
		t.Errorf("Sessions.SQLite.Path = %q, want %q", cfg.Sessions.SQLite.Path, "./test.db")
	}

	// Verify gateway config
	if cfg.Gateway.Listen != "127.0.0.1:9090" {
		t.Errorf("Gateway.Listen = %q, want %q", cfg.Gateway.Listen, "127.0.0.1:9090")
	}
	if cfg.Gateway.PingInterval != 10*time.Second {
		t.Errorf("Gateway.PingInterval = %v, want %v", cfg.Gateway.PingInterval, 10*time.Second)
	}
	if cfg.Gateway.ReplayCount != 25 {
		t.Errorf("Gateway.ReplayCount = %d, want 25", cfg.Gateway.ReplayCount)
	}
	if cfg.Gateway.EventBufferSize != 50 {
		t.Errorf("Gateway.EventBufferSize = %d, want 50", cfg.Gateway.EventBufferSize)
	}
	if len(cfg.Gateway.AllowedOrigins) != 1 {
		t.Errorf("Gateway.AllowedOrigins len = %d, want 1", len(cfg.Gateway.AllowedOrigins))
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
servers:
  - name: "docs"
    command: "python"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "console")
	}

	// Absent auto_restart defaults to true
	docs := cfg.Servers[0]
	if !docs.AutoRestart {
		t.Error("Servers[0].AutoRestart = false, want true by default")
	}
	if docs.MaxRetries != 5 {
		t.Errorf("Servers[0].MaxRetries = %d, want 5", docs.MaxRetries)
	}
	if docs.RetryDelay != time.Second {
		t.Errorf("Servers[0].RetryDelay = %v, want %v", docs.RetryDelay, time.Second)
	}
	if docs.HealthCheckInterval != 30*time.Second {
		t.Errorf("Servers[0].HealthCheckInterval = %v, want %v", docs.HealthCheckInterval, 30*time.Second)
	}
	if docs.Timeout != 60*time.Second {
		t.Errorf("Servers[0].Timeout = %v, want %v", docs.Timeout, 60*time.Second)
	}

	if cfg.Sessions.Backend != BackendMemory {
		t.Errorf("Sessions.Backend = %q, want %q", cfg.Sessions.Backend, BackendMemory)
	}
	if cfg.Sessions.TTL != time.Hour {
		t.Errorf("Sessions.TTL = %v, want %v", cfg.Sessions.TTL, time.Hour)
	}
	if cfg.Sessions.MaxSessionsPerClient != 10 {
		t.Errorf("Sessions.MaxSessionsPerClient = %d, want 10", cfg.Sessions.MaxSessionsPerClient)
	}
	if cfg.Sessions.MaxHistory != 1000 {
		t.Errorf("Sessions.MaxHistory = %d, want 1000", cfg.Sessions.MaxHistory)
	}
	if cfg.Sessions.CleanupInterval != 5*time.Minute {
		t.Errorf("Sessions.CleanupInterval = %v, want %v", cfg.Sessions.CleanupInterval, 5*time.Minute)
	}

	if cfg.Gateway.Listen != "0.0.0.0:8080" {
		t.Errorf("Gateway.Listen = %q, want %q", cfg.Gateway.Listen, "0.0.0.0:8080")
	}
	if cfg.Gateway.PingInterval != 30*time.Second {
		t.Errorf("Gateway.PingInterval = %v, want %v", cfg.Gateway.PingInterval, 30*time.Second)
	}
	if cfg.Gateway.ReplayCount != 10 {
		t.Errorf("Gateway.ReplayCount = %d, want 10", cfg.Gateway.ReplayCount)
	}
	if cfg.Gateway.EventBufferSize != 100 {
		t.Errorf("Gateway.EventBufferSize = %d, want 100", cfg.Gateway.EventBufferSize)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	// Set environment variables for testing
	t.Setenv("TEST_REDIS_PASSWORD", "hunter2-from-env")
	t.Setenv("TEST_DOCS_ROOT", "/srv/docs-from-env")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
servers:
  - name: "docs"
    command: "python"
    env:
      DOCS_ROOT: "${TEST_DOCS_ROOT}"

sessions:
  backend: "redis"
  redis:
    addr: "localhost:6379"
    password: "${TEST_REDIS_PASSWORD}"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify env var expansion
	if cfg.Sessions.Redis.Password != "hunter2-from-env" {
		t.Errorf("Sessions.Redis.Password = %q, want %q", cfg.Sessions.Redis.Password, "hunter2-from-env")
	}
	if cfg.Servers[0].Env["DOCS_ROOT"] != "/srv/docs-from-env" {
		t.Errorf("Servers[0].Env[DOCS_ROOT] = %q, want %q", cfg.Servers[0].Env["DOCS_ROOT"], "/srv/docs-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	// Ensure the env var is NOT set
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
servers:
  - name: "docs"
    command: "python"
    env:
      API_KEY: "${UNSET_VAR_FOR_TEST}"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset env vars should expand to empty string
	if cfg.Servers[0].Env["API_KEY"] != "" {
		t.Errorf("Servers[0].Env[API_KEY] = %q, want empty string for unset env var", cfg.Servers[0].Env["API_KEY"])
	}
}

func TestLoad_DurationParsing(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
servers:
  - name: "docs"
    command: "python"
    retry_delay: "1m30s"
    timeout: "2h"

sessions:
  ttl: "45m"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify complex duration parsing
	expectedDelay := 1*time.Minute + 30*time.Second
	if cfg.Servers[0].RetryDelay != expectedDelay {
		t.Errorf("Servers[0].RetryDelay = %v, want %v", cfg.Servers[0].RetryDelay, expectedDelay)
	}

	if cfg.Servers[0].Timeout != 2*time.Hour {
		t.Errorf("Servers[0].Timeout = %v, want %v", cfg.Servers[0].Timeout, 2*time.Hour)
	}

	if cfg.Sessions.TTL != 45*time.Minute {
		t.Errorf("Sessions.TTL = %v, want %v", cfg.Sessions.TTL, 45*time.Minute)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Invalid YAML content
	configContent := `
servers:
  - name: "docs"
    command "missing colon"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
servers:
  - name: "docs"
    command: "python"
    retry_delay: "invalid-duration"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "retry_delay") {
		t.Errorf("Load() error = %q, want error mentioning retry_delay", err.Error())
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing server name",
			configContent: `
servers:
  - command: "python"
`,
			wantErrSubstr: "servers[0].name is required",
		},
		{
			name: "missing server command",
			configContent: `
servers:
  - name: "docs"
`,
			wantErrSubstr: `server "docs": command is required`,
		},
		{
			name: "duplicate server names",
			configContent: `
servers:
  - name: "docs"
    command: "python"
  - name: "docs"
    command: "python3"
`,
			wantErrSubstr: `server "docs" is declared twice`,
		},
		{
			name: "unknown session backend",
			configContent: `
sessions:
  backend: "etcd"
`,
			wantErrSubstr: `sessions.backend "etcd" is not one of memory, redis, sqlite`,
		},
		{
			name: "unknown logging level",
			configContent: `
logging:
  level: "verbose"
`,
			wantErrSubstr: `logging.level "verbose" is not one of debug, info, warn, error`,
		},
		{
			name: "unknown logging format",
			configContent: `
logging:
  format: "logfmt"
`,
			wantErrSubstr: `logging.format "logfmt" is not one of console, json`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")

			err := os.WriteFile(configPath, []byte(tt.configContent), 0644)
			if err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			_, err = Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	tests := []struct {
		name          string
		cfg           Config
		wantErr       bool
		wantErrSubstr string
	}{
		{
			name: "memory backend needs nothing",
			cfg: Config{
				Sessions: SessionsConfig{Backend: BackendMemory},
				Gateway:  GatewayConfig{Listen: "0.0.0.0:8080"},
			},
			wantErr: false,
		},
		{
			name: "redis backend requires addr",
			cfg: Config{
				Sessions: SessionsConfig{Backend: BackendRedis},
				Gateway:  GatewayConfig{Listen: "0.0.0.0:8080"},
			},
			wantErr:       true,
			wantErrSubstr: "sessions.redis.addr is required",
		},
		{
			name: "sqlite backend requires path",
			cfg: Config{
				Sessions: SessionsConfig{Backend: BackendSQLite},
				Gateway:  GatewayConfig{Listen: "0.0.0.0:8080"},
			},
			wantErr:       true,
			wantErrSubstr: "sessions.sqlite.path is required",
		},
		{
			name: "gateway listen is required",
			cfg: Config{
				Sessions: SessionsConfig{Backend: BackendMemory},
			},
			wantErr:       true,
			wantErrSubstr: "gateway.listen is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
					return
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
				}
			} else {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			}
		})
	}
}
