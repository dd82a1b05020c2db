// Package budget tracks the token usage and cost of reasoning calls and
// enforces monthly spending limits.
//
// Usage is persisted through db.UsageStore so limits survive restarts. A
// zero limit means unlimited. Limits are checked before a call; the call
// that crosses a limit is still recorded, and the next one is refused.
package budget

import (
	"context"
	"errors"
	"time"
)

// ErrBudgetExceeded is returned by Enforce once a limit is reached.
var ErrBudgetExceeded = errors.New("budget exceeded")

// DefaultUser is the budget owner for calls that carry no user id.
const DefaultUser = "anonymous"

// Usage is the outcome of one reasoning call.
type Usage struct {
	UserID       string
	RunID        string
	Provider     string
	InputTokens  int
	OutputTokens int
	// CostUSD is the provider-reported cost. Zero means price it from the
	// provider table.
	CostUSD float64
}

// UsageSummary aggregates one user's usage for the current month.
type UsageSummary struct {
	UserID            string         `json:"user_id"`
	TotalInputTokens  int            `json:"total_input_tokens"`
	TotalOutputTokens int            `json:"total_output_tokens"`
	TotalTokens       int            `json:"total_tokens"`
	TotalCostUSD      float64        `json:"total_cost_usd"`
	ByProvider        map[string]int `json:"by_provider"`
	ByRun             map[string]int `json:"by_run"`
	BudgetLimitUSD    float64        `json:"budget_limit_usd"`
	RemainingUSD      float64        `json:"remaining_usd"`
	PeriodStart       time.Time      `json:"period_start"`
}

// Tracker records usage and enforces limits.
type Tracker interface {
	// Record prices and persists u, returning the cost in USD.
	Record(ctx context.Context, u Usage) (float64, error)

	// Summary returns userID's usage for the current month.
	Summary(ctx context.Context, userID string) (*UsageSummary, error)

	// Enforce returns an error wrapping ErrBudgetExceeded when userID or
	// the whole service has spent its monthly limit.
	Enforce(ctx context.Context, userID string) error

	// EstimateCost prices a call from the provider table.
	EstimateCost(provider string, inputTokens, outputTokens int) float64
}

type userKey struct{}

// WithUser attaches the budget owner to ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the budget owner carried by ctx, or DefaultUser.
func UserFrom(ctx context.Context) string {
	if id, ok := ctx.Value(userKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultUser
}
