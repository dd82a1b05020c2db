package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
		m.viper.SetConfigType("yaml")
	}

	m.viper.SetEnvPrefix("FLIGHTLOG")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.readConfigFile(); err != nil {
		return err
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// readConfigFile reads the YAML file. A missing file is fine: defaults and
// environment variables still apply.
func (m *viperConfigManager) readConfigFile() error {
	if m.configPath == "" {
		return nil
	}
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil || m.configPath == "" {
		return m.watchChan
	}
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_rps", defaults.Server.RateLimitRPS)
	m.viper.SetDefault("server.rate_limit_burst", defaults.Server.RateLimitBurst)

	m.viper.SetDefault("llm.provider", defaults.LLM.Provider)
	m.viper.SetDefault("llm.model", defaults.LLM.Model)
	m.viper.SetDefault("llm.api_key", defaults.LLM.APIKey)
	m.viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	m.viper.SetDefault("llm.max_output_tokens", defaults.LLM.MaxOutputTokens)
	m.viper.SetDefault("llm.request_timeout_seconds", defaults.LLM.RequestTimeoutSeconds)
	m.viper.SetDefault("llm.requests_per_second", defaults.LLM.RequestsPerSecond)

	m.viper.SetDefault("orchestrator.max_input_tokens", defaults.Orchestrator.MaxInputTokens)
	m.viper.SetDefault("orchestrator.run_timeout_seconds", defaults.Orchestrator.RunTimeoutSeconds)
	m.viper.SetDefault("orchestrator.max_concurrent_experts", defaults.Orchestrator.MaxConcurrentExperts)
	m.viper.SetDefault("orchestrator.experts_file", defaults.Orchestrator.ExpertsFile)

	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)

	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.audit_file", defaults.Logging.AuditFile)

	m.viper.SetDefault("budget.global_monthly_budget", defaults.Budget.GlobalMonthlyBudget)
	m.viper.SetDefault("budget.per_user_monthly_budget", defaults.Budget.PerUserMonthlyBudget)

	m.viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.GRPCPort = m.viper.GetInt("server.grpc_port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitRPS = m.viper.GetFloat64("server.rate_limit_rps")
	cfg.Server.RateLimitBurst = m.viper.GetInt("server.rate_limit_burst")

	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.Model = m.viper.GetString("llm.model")
	cfg.LLM.APIKey = m.viper.GetString("llm.api_key")
	cfg.LLM.BaseURL = m.viper.GetString("llm.base_url")
	cfg.LLM.MaxOutputTokens = m.viper.GetInt("llm.max_output_tokens")
	cfg.LLM.RequestTimeoutSeconds = m.viper.GetInt("llm.request_timeout_seconds")
	cfg.LLM.RequestsPerSecond = m.viper.GetFloat64("llm.requests_per_second")

	cfg.Orchestrator.MaxInputTokens = m.viper.GetInt("orchestrator.max_input_tokens")
	cfg.Orchestrator.RunTimeoutSeconds = m.viper.GetInt("orchestrator.run_timeout_seconds")
	cfg.Orchestrator.MaxConcurrentExperts = m.viper.GetInt("orchestrator.max_concurrent_experts")
	cfg.Orchestrator.ExpertsFile = m.viper.GetString("orchestrator.experts_file")

	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AuditFile = m.viper.GetString("logging.audit_file")

	cfg.Budget.GlobalMonthlyBudget = m.viper.GetFloat64("budget.global_monthly_budget")
	cfg.Budget.PerUserMonthlyBudget = m.viper.GetFloat64("budget.per_user_monthly_budget")

	cfg.Tracing.Enabled = m.viper.GetBool("tracing.enabled")
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.SamplingRate = m.viper.GetFloat64("tracing.sampling_rate")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides picks up provider credentials from their conventional
// environment variables when the prefixed variables are not set.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.LLM.APIKey == "" {
		switch m.config.LLM.Provider {
		case "openai":
			m.config.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			m.config.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}

	if m.config.LLM.Provider == "ollama" && m.config.LLM.BaseURL == "" {
		m.config.LLM.BaseURL = os.Getenv("OLLAMA_BASE_URL")
	}
}
