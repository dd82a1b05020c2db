package adapter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/audit"
	"github.com/kubilitics/flightlog-ai/internal/llm/budget"
	"github.com/kubilitics/flightlog-ai/internal/llm/types"
	"github.com/kubilitics/flightlog-ai/internal/metrics"
)

// budgetedAdapterImpl wraps an LLMAdapter with a pre-flight budget check
// and post-call usage recording:
//
//	inner, _ := NewLLMAdapter(cfg)
//	client := NewBudgetedAdapter(inner, tracker, logger)
//
// The budget owner comes from budget.UserFrom(ctx) and the run id from the
// audit correlation id.
type budgetedAdapterImpl struct {
	inner   LLMAdapter
	tracker budget.Tracker
	logger  *zap.Logger
}

// NewBudgetedAdapter creates an LLMAdapter with budget enforcement.
func NewBudgetedAdapter(inner LLMAdapter, tracker budget.Tracker, logger *zap.Logger) LLMAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &budgetedAdapterImpl{inner: inner, tracker: tracker, logger: logger}
}

func (a *budgetedAdapterImpl) Provider() ProviderType { return a.inner.Provider() }

func (a *budgetedAdapterImpl) Model() string { return a.inner.Model() }

func (a *budgetedAdapterImpl) Complete(ctx context.Context, system, user string, maxOutputTokens int) (string, error) {
	resp, err := a.Generate(ctx, types.CompletionRequest{System: system, User: user, MaxTokens: maxOutputTokens})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Generate refuses the call once the budget is spent, otherwise performs it
// and records its usage. A failed usage write is logged, not returned.
func (a *budgetedAdapterImpl) Generate(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	userID := budget.UserFrom(ctx)
	if err := a.tracker.Enforce(ctx, userID); err != nil {
		return nil, fmt.Errorf("budget limit: %w", err)
	}

	resp, err := a.inner.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	cost, err := a.tracker.Record(context.WithoutCancel(ctx), budget.Usage{
		UserID:       userID,
		RunID:        audit.GetCorrelationID(ctx),
		Provider:     string(a.inner.Provider()),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CostUSD:      resp.Usage.EstimatedCost,
	})
	if err != nil {
		a.logger.Warn("failed to record LLM usage", zap.String("user_id", userID), zap.Error(err))
		return resp, nil
	}
	if resp.Usage.EstimatedCost <= 0 && cost > 0 {
		metrics.LLMCostUSD.WithLabelValues(string(a.inner.Provider()), a.inner.Model()).Add(cost)
	}
	resp.Usage.EstimatedCost = cost
	return resp, nil
}
