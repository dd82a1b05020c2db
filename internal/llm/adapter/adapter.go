// Package adapter turns the configured LLM provider into the reasoning
// client used by the orchestration engine.
//
// Supported providers:
//  1. OpenAI: gpt-4o and friends
//  2. Anthropic: claude-3.5-sonnet, claude-3-opus
//  3. Ollama: any locally pulled model
//  4. Custom: any OpenAI-compatible endpoint (vLLM, LocalAI, LM Studio)
//
// Every call passes through a rate limiter and is measured (requests,
// latency, tokens, cost). NewBudgetedAdapter adds monthly budget
// enforcement and persisted usage on top.
package adapter

import (
	"context"

	"github.com/kubilitics/flightlog-ai/internal/llm/types"
	"github.com/kubilitics/flightlog-ai/internal/reasoning"
)

// LLMAdapter is a configured provider. It satisfies reasoning.Client.
type LLMAdapter interface {
	reasoning.Client

	// Generate performs one call and returns the text with its usage.
	Generate(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)

	// Provider names the backing provider; ProviderNone when unconfigured.
	Provider() ProviderType

	// Model is the configured model name.
	Model() string
}

// Provider is a single LLM backend.
type Provider interface {
	Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)
	Model() string
}
