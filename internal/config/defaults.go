package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.GRPCPort = 0
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitRPS = 5
	cfg.Server.RateLimitBurst = 10

	// LLM defaults
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxOutputTokens = 1024
	cfg.LLM.RequestTimeoutSeconds = 120
	cfg.LLM.RequestsPerSecond = 2

	// Orchestrator defaults
	cfg.Orchestrator.MaxInputTokens = 20000
	cfg.Orchestrator.RunTimeoutSeconds = 600
	cfg.Orchestrator.MaxConcurrentExperts = 4

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/flightlog/flightlog-ai.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AuditFile = "/var/log/flightlog/audit.log"

	// Budget defaults
	cfg.Budget.GlobalMonthlyBudget = 0.0 // 0 means no limit
	cfg.Budget.PerUserMonthlyBudget = 0.0

	// Tracing defaults
	cfg.Tracing.Enabled = false
	cfg.Tracing.Endpoint = "localhost:4318"
	cfg.Tracing.SamplingRate = 1.0

	return cfg
}
