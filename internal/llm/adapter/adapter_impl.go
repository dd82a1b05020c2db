package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kubilitics/flightlog-ai/internal/config"
	"github.com/kubilitics/flightlog-ai/internal/llm/provider/anthropic"
	"github.com/kubilitics/flightlog-ai/internal/llm/provider/custom"
	"github.com/kubilitics/flightlog-ai/internal/llm/provider/ollama"
	"github.com/kubilitics/flightlog-ai/internal/llm/provider/openai"
	"github.com/kubilitics/flightlog-ai/internal/llm/types"
	"github.com/kubilitics/flightlog-ai/internal/metrics"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/tokens"
)

// ProviderType identifies which LLM provider is configured.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOllama    ProviderType = "ollama"
	ProviderCustom    ProviderType = "custom"
	ProviderNone      ProviderType = "none" // No LLM configured
)

// ErrProviderNotConfigured is returned when a call is attempted without a
// configured provider.
var ErrProviderNotConfigured = errors.New("LLM provider not configured")

// Config holds LLM provider configuration.
type Config struct {
	Provider          ProviderType
	APIKey            string // OpenAI/Anthropic, optional for custom
	BaseURL           string // Ollama/Custom
	Model             string
	MaxOutputTokens   int
	RequestTimeout    time.Duration
	RequestsPerSecond float64 // 0 = unlimited
}

// ConfigFrom maps the llm section of the service configuration.
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		Provider:          ProviderType(cfg.LLM.Provider),
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		MaxOutputTokens:   cfg.LLM.MaxOutputTokens,
		RequestTimeout:    time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}
}

// Option configures the adapter.
type Option func(*llmAdapterImpl)

// WithLogger sets the adapter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *llmAdapterImpl) { a.logger = logger }
}

type llmAdapterImpl struct {
	provider        ProviderType
	model           string
	client          Provider
	limiter         *rate.Limiter
	timeout         time.Duration
	maxOutputTokens int
	logger          *zap.Logger
}

// NewLLMAdapter creates an adapter for cfg. A nil cfg is read from the
// FLIGHTLOG_LLM_* environment variables. A provider without credentials
// yields an unconfigured adapter whose calls fail with
// ErrProviderNotConfigured, so the service can start without one.
func NewLLMAdapter(cfg *Config, opts ...Option) (LLMAdapter, error) {
	if cfg == nil {
		cfg = &Config{
			Provider: ProviderType(os.Getenv("FLIGHTLOG_LLM_PROVIDER")),
			APIKey:   os.Getenv("FLIGHTLOG_LLM_API_KEY"),
			BaseURL:  os.Getenv("FLIGHTLOG_LLM_BASE_URL"),
			Model:    os.Getenv("FLIGHTLOG_LLM_MODEL"),
		}
	}

	var client Provider
	var err error

	switch cfg.Provider {
	case "", ProviderNone:
		return newAdapter(ProviderNone, nil, cfg, opts), nil

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return newAdapter(ProviderNone, nil, cfg, opts), nil
		}
		if cfg.BaseURL != "" {
			client, err = openai.NewCompatibleClient(cfg.BaseURL, cfg.APIKey, cfg.Model)
		} else {
			client, err = openai.NewOpenAIClient(cfg.APIKey, cfg.Model)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return newAdapter(ProviderNone, nil, cfg, opts), nil
		}
		c, cerr := anthropic.NewAnthropicClient(cfg.APIKey, cfg.Model)
		if cerr != nil {
			return nil, fmt.Errorf("failed to create Anthropic client: %w", cerr)
		}
		if cfg.BaseURL != "" {
			c.SetBaseURL(cfg.BaseURL)
		}
		client = c

	case ProviderOllama:
		client, err = ollama.NewOllamaClient(cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}

	case ProviderCustom:
		if cfg.BaseURL == "" {
			return newAdapter(ProviderNone, nil, cfg, opts), nil
		}
		client, err = custom.NewCustomClient(cfg.BaseURL, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create Custom client: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	return newAdapter(cfg.Provider, client, cfg, opts), nil
}

// NewWithProvider wraps an already built provider client.
func NewWithProvider(provider ProviderType, client Provider, cfg *Config, opts ...Option) LLMAdapter {
	if cfg == nil {
		cfg = &Config{}
	}
	return newAdapter(provider, client, cfg, opts)
}

func newAdapter(provider ProviderType, client Provider, cfg *Config, opts []Option) *llmAdapterImpl {
	a := &llmAdapterImpl{
		provider:        provider,
		client:          client,
		timeout:         cfg.RequestTimeout,
		maxOutputTokens: cfg.MaxOutputTokens,
		logger:          zap.NewNop(),
	}
	if client != nil {
		a.model = client.Model()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(math.Ceil(cfg.RequestsPerSecond))
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *llmAdapterImpl) Provider() ProviderType { return a.provider }

func (a *llmAdapterImpl) Model() string { return a.model }

// Complete implements reasoning.Client.
func (a *llmAdapterImpl) Complete(ctx context.Context, system, user string, maxOutputTokens int) (string, error) {
	resp, err := a.Generate(ctx, types.CompletionRequest{System: system, User: user, MaxTokens: maxOutputTokens})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Generate waits for the rate limiter, calls the provider and records
// metrics. Usage the provider did not report is estimated from text size.
func (a *llmAdapterImpl) Generate(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	if a.provider == ProviderNone || a.client == nil {
		return nil, ErrProviderNotConfigured
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = a.maxOutputTokens
	}

	if a.limiter != nil && !a.limiter.Allow() {
		metrics.RateLimited.WithLabelValues("llm").Inc()
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for LLM rate limiter: %w", err)
		}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	provider := string(a.provider)
	start := time.Now()
	resp, err := a.client.Complete(ctx, req)
	metrics.LLMRequestDuration.WithLabelValues(provider, a.model).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(provider, a.model, "error").Inc()
		a.logger.Warn("LLM call failed",
			zap.String("provider", provider),
			zap.String("model", a.model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.LLMRequestsTotal.WithLabelValues(provider, a.model, "success").Inc()

	if resp.Usage.PromptTokens == 0 && resp.Usage.CompletionTokens == 0 {
		resp.Usage.PromptTokens = tokens.Estimate(req.System) + tokens.Estimate(req.User)
		resp.Usage.CompletionTokens = tokens.Estimate(resp.Text)
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens

	metrics.LLMTokensUsed.WithLabelValues(provider, a.model, "input").Add(float64(resp.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(provider, a.model, "output").Add(float64(resp.Usage.CompletionTokens))
	if resp.Usage.EstimatedCost > 0 {
		metrics.LLMCostUSD.WithLabelValues(provider, a.model).Add(resp.Usage.EstimatedCost)
	}

	a.logger.Debug("LLM call completed",
		zap.String("provider", provider),
		zap.String("model", a.model),
		zap.Int("input_tokens", resp.Usage.PromptTokens),
		zap.Int("output_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}
