// Package custom serves self-hosted OpenAI-compatible endpoints (vLLM,
// LocalAI, LM Studio) with an optional per-token price.
package custom

import (
	"context"
	"fmt"

	"github.com/kubilitics/flightlog-ai/internal/llm/provider/openai"
	"github.com/kubilitics/flightlog-ai/internal/llm/types"
)

// Client is an OpenAI-compatible client priced by configuration.
type Client struct {
	inner          *openai.Client
	costPerKInput  float64
	costPerKOutput float64
}

// Option configures a Client.
type Option func(*Client)

// WithCost sets the USD price per 1000 input and output tokens. Local
// deployments leave it at zero.
func WithCost(perKInput, perKOutput float64) Option {
	return func(c *Client) {
		c.costPerKInput = perKInput
		c.costPerKOutput = perKOutput
	}
}

// NewCustomClient creates a client. Both baseURL and model are required
// since no endpoint-specific default makes sense.
func NewCustomClient(baseURL, apiKey, model string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("custom provider base URL is required")
	}
	if model == "" {
		return nil, fmt.Errorf("custom provider model is required")
	}
	inner, err := openai.NewCompatibleClient(baseURL, apiKey, model)
	if err != nil {
		return nil, err
	}
	c := &Client{inner: inner}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.inner.Model() }

// Complete delegates to the OpenAI-compatible client and prices the usage.
func (c *Client) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	resp, err := c.inner.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("custom provider: %w", err)
	}
	resp.Usage.EstimatedCost = float64(resp.Usage.PromptTokens)/1000*c.costPerKInput +
		float64(resp.Usage.CompletionTokens)/1000*c.costPerKOutput
	return resp, nil
}
