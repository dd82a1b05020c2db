package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/flightlog-ai/internal/db"
)

func newTracker(t *testing.T, cfg *Config) *tracker {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewTracker(store, cfg, nil).(*tracker)
}

func TestRecordAndSummary(t *testing.T) {
	tr := newTracker(t, nil)
	ctx := context.Background()

	cost, err := tr.Record(ctx, Usage{UserID: "user-1", RunID: "run-1", Provider: "anthropic", InputTokens: 1000, OutputTokens: 500})
	require.NoError(t, err)
	assert.InDelta(t, 0.0105, cost, 1e-9)

	_, err = tr.Record(ctx, Usage{UserID: "user-1", RunID: "run-2", Provider: "openai", InputTokens: 2000, OutputTokens: 800})
	require.NoError(t, err)

	summary, err := tr.Summary(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3000, summary.TotalInputTokens)
	assert.Equal(t, 1300, summary.TotalOutputTokens)
	assert.Equal(t, 4300, summary.TotalTokens)
	assert.InDelta(t, 0.0235, summary.TotalCostUSD, 1e-9)
	assert.Equal(t, 1500, summary.ByProvider["anthropic"])
	assert.Equal(t, 2800, summary.ByRun["run-2"])
	assert.Zero(t, summary.RemainingUSD, "unlimited budgets report no remainder")
}

func TestRecordUsesReportedCost(t *testing.T) {
	tr := newTracker(t, nil)

	cost, err := tr.Record(context.Background(), Usage{Provider: "custom", InputTokens: 10, OutputTokens: 10, CostUSD: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.5, cost)

	summary, err := tr.Summary(context.Background(), DefaultUser)
	require.NoError(t, err)
	assert.Equal(t, 0.5, summary.TotalCostUSD)
}

func TestEnforcePerUserLimit(t *testing.T) {
	tr := newTracker(t, &Config{PerUserMonthlyLimitUSD: 0.01, WarnThreshold: 0.8})
	ctx := context.Background()

	require.NoError(t, tr.Enforce(ctx, "user-budget"))
	for i := 0; i < 2; i++ {
		_, err := tr.Record(ctx, Usage{UserID: "user-budget", Provider: "openai", InputTokens: 1000, OutputTokens: 500})
		require.NoError(t, err)
	}

	assert.ErrorIs(t, tr.Enforce(ctx, "user-budget"), ErrBudgetExceeded)
	assert.NoError(t, tr.Enforce(ctx, "someone-else"))

	summary, err := tr.Summary(ctx, "user-budget")
	require.NoError(t, err)
	assert.Less(t, summary.RemainingUSD, 0.0)
}

func TestEnforceGlobalLimit(t *testing.T) {
	tr := newTracker(t, &Config{GlobalMonthlyLimitUSD: 0.01})
	ctx := context.Background()

	_, err := tr.Record(ctx, Usage{UserID: "a", Provider: "anthropic", InputTokens: 1000, OutputTokens: 1000})
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Enforce(ctx, "b"), ErrBudgetExceeded)
}

func TestOllamaIsFree(t *testing.T) {
	tr := newTracker(t, &Config{PerUserMonthlyLimitUSD: 0.001})
	ctx := context.Background()

	_, err := tr.Record(ctx, Usage{UserID: "local", Provider: "ollama", InputTokens: 100000, OutputTokens: 100000})
	require.NoError(t, err)
	assert.NoError(t, tr.Enforce(ctx, "local"))
}

func TestSummaryCoversCurrentMonth(t *testing.T) {
	tr := newTracker(t, nil)
	ctx := context.Background()

	tr.now = func() time.Time { return time.Date(2026, 9, 15, 12, 0, 0, 0, time.UTC) }
	_, err := tr.Record(ctx, Usage{UserID: "u", Provider: "openai", InputTokens: 1000})
	require.NoError(t, err)

	tr.now = func() time.Time { return time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC) }
	_, err = tr.Record(ctx, Usage{UserID: "u", Provider: "openai", InputTokens: 2000})
	require.NoError(t, err)

	summary, err := tr.Summary(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 2000, summary.TotalInputTokens)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), summary.PeriodStart)
}

func TestUserContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, DefaultUser, UserFrom(ctx))
	assert.Equal(t, DefaultUser, UserFrom(WithUser(ctx, "")))
	assert.Equal(t, "pilot-7", UserFrom(WithUser(ctx, "pilot-7")))
}
