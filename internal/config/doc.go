// Package config handles configuration loading for familiar.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FAMILIAR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/familiar/familiar.yaml (or ~/.config/familiar/familiar.yaml)
//  3. ./familiar.yaml (current directory)
//
// Every subcommand accepts -config to override the lookup. A commented
// starter file can be generated with:
//
//	familiar init
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	sessions:
//	  redis:
//	    password: "${FAMILIAR_REDIS_PASSWORD}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	servers:
//	  - name: "docs"
//	    retry_delay: "1s"
//	    health_check_interval: "30s"
//	    timeout: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Logging:
//
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "console" # console, json
//
// Tool servers:
//
//	servers:
//	  - name: "docs"
//	    command: "python"
//	    args: ["-m", "docs_server"]
//	    env:
//	      DOCS_ROOT: "/srv/docs"
//	    working_dir: "/srv"
//	    auto_restart: true
//	    max_retries: 5
//	    retry_delay: "1s"
//	    health_check_interval: "30s"
//	    timeout: "60s"
//
// Sessions:
//
//	sessions:
//	  backend: "memory"  # memory, redis, sqlite
//	  ttl: "1h"
//	  max_sessions_per_client: 10
//	  max_history: 1000
//	  cleanup_interval: "5m"
//	  redis:
//	    addr: "localhost:6379"
//	    password: "${FAMILIAR_REDIS_PASSWORD}"
//	    db: 0
//	  sqlite:
//	    path: "familiar.db"
//
// Gateway:
//
//	gateway:
//	  listen: "0.0.0.0:8080"
//	  ping_interval: "30s"
//	  replay_count: 10
//	  event_buffer_size: 100
//	  allowed_origins: ["app.example.com"]
//
// # Validation
//
// Load() validates:
//
//   - Logging level and format values
//   - Tool server names are present and unique
//   - Tool server commands are present
//   - Session backend is one of memory, redis, sqlite
//   - Backend-specific settings (redis addr, sqlite path)
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("familiar.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
