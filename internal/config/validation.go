package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
//
// A missing API key is not an error: the service starts in degraded mode and
// the reasoning endpoints report the provider as unconfigured.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.grpc_port",
			Message: fmt.Sprintf("grpc_port must be between 0 and 65535, got %d", c.Server.GRPCPort),
		})
	}

	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.rate_limit_rps",
			Message: fmt.Sprintf("rate_limit_rps cannot be negative, got %.2f", c.Server.RateLimitRPS),
		})
	}

	validProviders := map[string]bool{
		"openai":    true,
		"anthropic": true,
		"ollama":    true,
		"custom":    true,
	}
	if !validProviders[c.LLM.Provider] {
		errs = append(errs, &ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: openai, anthropic, ollama, custom", c.LLM.Provider),
		})
	}

	switch c.LLM.Provider {
	case "ollama", "custom":
		if c.LLM.BaseURL == "" && c.LLM.Provider == "custom" {
			errs = append(errs, &ValidationError{
				Field:   "llm.base_url",
				Message: "base_url is required for the custom provider",
			})
		}
		if c.LLM.Model == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.model",
				Message: "model is required",
			})
		}
	}

	if c.LLM.MaxOutputTokens < 1 {
		errs = append(errs, &ValidationError{
			Field:   "llm.max_output_tokens",
			Message: fmt.Sprintf("max_output_tokens must be at least 1, got %d", c.LLM.MaxOutputTokens),
		})
	}

	if c.LLM.RequestTimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "llm.request_timeout_seconds",
			Message: fmt.Sprintf("request timeout must be at least 1 second, got %d", c.LLM.RequestTimeoutSeconds),
		})
	}

	if c.Orchestrator.MaxInputTokens < 1 {
		errs = append(errs, &ValidationError{
			Field:   "orchestrator.max_input_tokens",
			Message: fmt.Sprintf("max_input_tokens must be at least 1, got %d", c.Orchestrator.MaxInputTokens),
		})
	}

	if c.Orchestrator.RunTimeoutSeconds < c.LLM.RequestTimeoutSeconds {
		errs = append(errs, &ValidationError{
			Field:   "orchestrator.run_timeout_seconds",
			Message: fmt.Sprintf("run timeout (%ds) must not be shorter than the request timeout (%ds)", c.Orchestrator.RunTimeoutSeconds, c.LLM.RequestTimeoutSeconds),
		})
	}

	if c.Orchestrator.MaxConcurrentExperts < 1 {
		errs = append(errs, &ValidationError{
			Field:   "orchestrator.max_concurrent_experts",
			Message: fmt.Sprintf("max_concurrent_experts must be at least 1, got %d", c.Orchestrator.MaxConcurrentExperts),
		})
	}

	validDatabaseTypes := map[string]bool{
		"sqlite":   true,
		"postgres": true,
	}
	if !validDatabaseTypes[c.Database.Type] {
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type '%s', must be one of: sqlite, postgres", c.Database.Type),
		})
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.sqlite_path",
				Message: "sqlite_path is required when database type is sqlite",
			})
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.postgres_url",
				Message: "postgres_url is required when database type is postgres",
			})
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	if c.Budget.GlobalMonthlyBudget < 0 {
		errs = append(errs, &ValidationError{
			Field:   "budget.global_monthly_budget",
			Message: fmt.Sprintf("global_monthly_budget cannot be negative, got %.2f", c.Budget.GlobalMonthlyBudget),
		})
	}

	if c.Budget.PerUserMonthlyBudget < 0 {
		errs = append(errs, &ValidationError{
			Field:   "budget.per_user_monthly_budget",
			Message: fmt.Sprintf("per_user_monthly_budget cannot be negative, got %.2f", c.Budget.PerUserMonthlyBudget),
		})
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			errs = append(errs, &ValidationError{
				Field:   "tracing.endpoint",
				Message: "endpoint is required when tracing is enabled",
			})
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			errs = append(errs, &ValidationError{
				Field:   "tracing.sampling_rate",
				Message: fmt.Sprintf("sampling_rate must be between 0 and 1, got %.2f", c.Tracing.SamplingRate),
			})
		}
	}

	return errs
}
