// ABOUTME: Configuration loading and parsing for familiar
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete familiar configuration
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Servers  []ServerConfig `yaml:"servers"`
	Sessions SessionsConfig `yaml:"sessions"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig describes one tool server subprocess
type ServerConfig struct {
	Name       string            `yaml:"name"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	WorkingDir string            `yaml:"working_dir"`
	MaxRetries int               `yaml:"max_retries"`

	AutoRestart         bool          `yaml:"-"`
	RetryDelay          time.Duration `yaml:"-"`
	HealthCheckInterval time.Duration `yaml:"-"`
	Timeout             time.Duration `yaml:"-"`

	// Raw values for YAML unmarshaling. AutoRestart needs a pointer so an
	// absent key can default to true while an explicit false sticks.
	AutoRestartRaw         *bool  `yaml:"auto_restart"`
	RetryDelayRaw          string `yaml:"retry_delay"`
	HealthCheckIntervalRaw string `yaml:"health_check_interval"`
	TimeoutRaw             string `yaml:"timeout"`
}

// SessionsConfig holds session store configuration
type SessionsConfig struct {
	Backend              string `yaml:"backend"`
	MaxSessionsPerClient int    `yaml:"max_sessions_per_client"`
	MaxHistory           int    `yaml:"max_history"`

	TTL             time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TTLRaw             string `yaml:"ttl"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`

	Redis  RedisConfig  `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig holds the redis session backend settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SQLiteConfig holds the sqlite session backend settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// GatewayConfig holds the HTTP/WebSocket gateway configuration
type GatewayConfig struct {
	Listen          string   `yaml:"listen"`
	ReplayCount     int      `yaml:"replay_count"`
	EventBufferSize int      `yaml:"event_buffer_size"`
	AllowedOrigins  []string `yaml:"allowed_origins"`

	PingInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	PingIntervalRaw string `yaml:"ping_interval"`
}

// Session backend names accepted in sessions.backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Default returns the configuration used when a section is absent.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Sessions: SessionsConfig{
			Backend:              BackendMemory,
			MaxSessionsPerClient: 10,
			MaxHistory:           1000,
			TTL:                  time.Hour,
			CleanupInterval:      5 * time.Minute,
			SQLite:               SQLiteConfig{Path: "familiar.db"},
			Redis:                RedisConfig{Addr: "localhost:6379"},
		},
		Gateway: GatewayConfig{
			Listen:          "0.0.0.0:8080",
			ReplayCount:     10,
			EventBufferSize: 100,
			PingInterval:    30 * time.Second,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		if srv.RetryDelayRaw != "" {
			srv.RetryDelay, err = time.ParseDuration(srv.RetryDelayRaw)
			if err != nil {
				return fmt.Errorf("server %q: parsing retry_delay %q: %w", srv.Name, srv.RetryDelayRaw, err)
			}
		}
		if srv.HealthCheckIntervalRaw != "" {
			srv.HealthCheckInterval, err = time.ParseDuration(srv.HealthCheckIntervalRaw)
			if err != nil {
				return fmt.Errorf("server %q: parsing health_check_interval %q: %w", srv.Name, srv.HealthCheckIntervalRaw, err)
			}
		}
		if srv.TimeoutRaw != "" {
			srv.Timeout, err = time.ParseDuration(srv.TimeoutRaw)
			if err != nil {
				return fmt.Errorf("server %q: parsing timeout %q: %w", srv.Name, srv.TimeoutRaw, err)
			}
		}
	}

	if cfg.Sessions.TTLRaw != "" {
		cfg.Sessions.TTL, err = time.ParseDuration(cfg.Sessions.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.ttl %q: %w", cfg.Sessions.TTLRaw, err)
		}
	}
	if cfg.Sessions.CleanupIntervalRaw != "" {
		cfg.Sessions.CleanupInterval, err = time.ParseDuration(cfg.Sessions.CleanupIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.cleanup_interval %q: %w", cfg.Sessions.CleanupIntervalRaw, err)
		}
	}
	if cfg.Gateway.PingIntervalRaw != "" {
		cfg.Gateway.PingInterval, err = time.ParseDuration(cfg.Gateway.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing gateway.ping_interval %q: %w", cfg.Gateway.PingIntervalRaw, err)
		}
	}

	return nil
}

// applyDefaults fills anything the file left unset.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}

	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		srv.AutoRestart = true
		if srv.AutoRestartRaw != nil {
			srv.AutoRestart = *srv.AutoRestartRaw
		}
		if srv.MaxRetries == 0 {
			srv.MaxRetries = 5
		}
		if srv.RetryDelay == 0 {
			srv.RetryDelay = time.Second
		}
		if srv.HealthCheckInterval == 0 {
			srv.HealthCheckInterval = 30 * time.Second
		}
		if srv.Timeout == 0 {
			srv.Timeout = 60 * time.Second
		}
	}

	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = def.Sessions.Backend
	}
	if cfg.Sessions.MaxSessionsPerClient == 0 {
		cfg.Sessions.MaxSessionsPerClient = def.Sessions.MaxSessionsPerClient
	}
	if cfg.Sessions.MaxHistory == 0 {
		cfg.Sessions.MaxHistory = def.Sessions.MaxHistory
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = def.Sessions.TTL
	}
	if cfg.Sessions.CleanupInterval == 0 {
		cfg.Sessions.CleanupInterval = def.Sessions.CleanupInterval
	}
	if cfg.Sessions.Redis.Addr == "" {
		cfg.Sessions.Redis.Addr = def.Sessions.Redis.Addr
	}
	if cfg.Sessions.SQLite.Path == "" {
		cfg.Sessions.SQLite.Path = def.Sessions.SQLite.Path
	}

	if cfg.Gateway.Listen == "" {
		cfg.Gateway.Listen = def.Gateway.Listen
	}
	if cfg.Gateway.ReplayCount == 0 {
		cfg.Gateway.ReplayCount = def.Gateway.ReplayCount
	}
	if cfg.Gateway.EventBufferSize == 0 {
		cfg.Gateway.EventBufferSize = def.Gateway.EventBufferSize
	}
	if cfg.Gateway.PingInterval == 0 {
		cfg.Gateway.PingInterval = def.Gateway.PingInterval
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of console, json", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, srv := range c.Servers {
		if srv.Name == "" {
			return fmt.Errorf("servers[%d].name is required", i)
		}
		if srv.Command == "" {
			return fmt.Errorf("server %q: command is required", srv.Name)
		}
		if seen[srv.Name] {
			return fmt.Errorf("server %q is declared twice", srv.Name)
		}
		seen[srv.Name] = true
	}

	switch c.Sessions.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Sessions.Redis.Addr == "" {
			return fmt.Errorf("sessions.redis.addr is required for the redis backend")
		}
	case BackendSQLite:
		if c.Sessions.SQLite.Path == "" {
			return fmt.Errorf("sessions.sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("sessions.backend %q is not one of memory, redis, sqlite", c.Sessions.Backend)
	}

	if c.Gateway.Listen == "" {
		return fmt.Errorf("gateway.listen is required")
	}

	return nil
}
