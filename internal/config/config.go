package config

import "context"

// Package config provides configuration management for flightlog-ai.
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (FLIGHTLOG_* prefix, "." replaced by "_")
//   3. YAML config file (default: /etc/flightlog/config.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: HTTP listen port (default 8090)
//      - grpc_port: gRPC health port (0 disables)
//      - allowed_origins: CORS and WebSocket origins
//      - rate_limit_rps / rate_limit_burst: per-client HTTP request limit
//
//   2. LLM
//      - provider: "openai" | "anthropic" | "ollama" | "custom"
//      - model, api_key, base_url
//      - max_output_tokens: ceiling for every reasoning call
//      - request_timeout_seconds: wall clock limit for one reasoning call
//      - requests_per_second: outbound reasoning call rate
//
//   3. Orchestrator
//      - max_input_tokens: token ceiling applied to every prompt fragment
//      - run_timeout_seconds: wall clock limit for one question
//      - max_concurrent_experts: experts dispatched in parallel within a round
//      - experts_file: optional YAML override of the specialist table
//
//   4. Database
//      - type: "sqlite" | "postgres"
//      - sqlite_path, postgres_url
//
//   5. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "console"
//      - audit_file: rotated audit log location
//
//   6. Budget
//      - global_monthly_budget / per_user_monthly_budget (USD, 0 = unlimited)
//
//   7. Tracing
//      - enabled, endpoint (OTLP/HTTP), sampling_rate
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port     int
		GRPCPort int
		// AllowedOrigins is the CORS allow-list, also used for WebSocket upgrades.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		RateLimitRPS   float64
		RateLimitBurst int
	}

	// LLM provider configuration
	LLM struct {
		Provider              string
		Model                 string
		APIKey                string
		BaseURL               string
		MaxOutputTokens       int
		RequestTimeoutSeconds int
		RequestsPerSecond     float64
	}

	Orchestrator struct {
		MaxInputTokens       int
		RunTimeoutSeconds    int
		MaxConcurrentExperts int
		ExpertsFile          string
	}

	// Database configuration
	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	// Logging configuration
	Logging struct {
		Level     string
		Format    string
		AuditFile string
	}

	// Budget configuration
	Budget struct {
		GlobalMonthlyBudget  float64
		PerUserMonthlyBudget float64
	}

	Tracing struct {
		Enabled      bool
		Endpoint     string
		SamplingRate float64
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/flightlog/config.yaml")
}
