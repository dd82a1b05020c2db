package budget

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/db"
	"github.com/kubilitics/flightlog-ai/internal/metrics"
)

// providerPricing maps provider names to (input, output) cost per 1K tokens in USD.
var providerPricing = map[string][2]float64{
	"anthropic": {0.003, 0.015},  // claude-3.5-sonnet
	"openai":    {0.0025, 0.010}, // gpt-4o
	"ollama":    {0.0, 0.0},      // local
	"custom":    {0.0, 0.0},      // priced by the client when configured
}

// Config sets monthly limits in USD.
type Config struct {
	// GlobalMonthlyLimitUSD caps total spending across users. 0 = unlimited.
	GlobalMonthlyLimitUSD float64
	// PerUserMonthlyLimitUSD caps each user's spending. 0 = unlimited.
	PerUserMonthlyLimitUSD float64
	// WarnThreshold is the fraction of a limit that triggers a warning log.
	WarnThreshold float64
}

// DefaultConfig is unlimited with a warning at 80%.
func DefaultConfig() *Config {
	return &Config{WarnThreshold: 0.80}
}

type tracker struct {
	store  db.UsageStore
	cfg    *Config
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker persisting to store.
func NewTracker(store db.UsageStore, cfg *Config, logger *zap.Logger) Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tracker{store: store, cfg: cfg, logger: logger, now: time.Now}
}

func (t *tracker) Record(ctx context.Context, u Usage) (float64, error) {
	if u.UserID == "" {
		u.UserID = DefaultUser
	}
	cost := u.CostUSD
	if cost <= 0 {
		cost = t.EstimateCost(u.Provider, u.InputTokens, u.OutputTokens)
	}
	now := t.now()
	rec := &db.UsageRecord{
		UserID:       u.UserID,
		RunID:        u.RunID,
		Provider:     u.Provider,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
		RecordedAt:   now,
	}
	if err := t.store.AppendUsage(ctx, rec); err != nil {
		return cost, fmt.Errorf("record usage: %w", err)
	}
	metrics.BudgetUsageUSD.WithLabelValues(u.UserID, now.UTC().Format("2006-01")).Add(cost)
	return cost, nil
}

func (t *tracker) Summary(ctx context.Context, userID string) (*UsageSummary, error) {
	from, to := t.period()
	records, err := t.store.QueryUsage(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}

	summary := &UsageSummary{
		UserID:         userID,
		ByProvider:     map[string]int{},
		ByRun:          map[string]int{},
		BudgetLimitUSD: t.cfg.PerUserMonthlyLimitUSD,
		PeriodStart:    from,
	}
	for _, r := range records {
		summary.TotalInputTokens += r.InputTokens
		summary.TotalOutputTokens += r.OutputTokens
		summary.TotalCostUSD += r.CostUSD
		summary.ByProvider[r.Provider] += r.InputTokens + r.OutputTokens
		if r.RunID != "" {
			summary.ByRun[r.RunID] += r.InputTokens + r.OutputTokens
		}
	}
	summary.TotalTokens = summary.TotalInputTokens + summary.TotalOutputTokens
	if summary.BudgetLimitUSD > 0 {
		summary.RemainingUSD = summary.BudgetLimitUSD - summary.TotalCostUSD
	}
	return summary, nil
}

func (t *tracker) Enforce(ctx context.Context, userID string) error {
	if t.cfg.PerUserMonthlyLimitUSD > 0 {
		s, err := t.Summary(ctx, userID)
		if err != nil {
			return err
		}
		if err := t.check("user", userID, s.TotalCostUSD, t.cfg.PerUserMonthlyLimitUSD); err != nil {
			return err
		}
	}
	if t.cfg.GlobalMonthlyLimitUSD > 0 {
		from, to := t.period()
		spent, err := t.store.TotalCost(ctx, from, to)
		if err != nil {
			return fmt.Errorf("total usage: %w", err)
		}
		if err := t.check("global", userID, spent, t.cfg.GlobalMonthlyLimitUSD); err != nil {
			return err
		}
	}
	return nil
}

func (t *tracker) check(scope, userID string, spent, limit float64) error {
	if spent >= limit {
		metrics.BudgetExceeded.WithLabelValues(userID).Inc()
		return fmt.Errorf("%w: %s spent $%.4f of $%.4f monthly limit", ErrBudgetExceeded, scope, spent, limit)
	}
	if t.cfg.WarnThreshold > 0 && spent >= limit*t.cfg.WarnThreshold {
		t.logger.Warn("budget nearly spent",
			zap.String("scope", scope),
			zap.String("user_id", userID),
			zap.Float64("spent_usd", spent),
			zap.Float64("limit_usd", limit),
		)
	}
	return nil
}

func (t *tracker) EstimateCost(provider string, inputTokens, outputTokens int) float64 {
	pricing, ok := providerPricing[provider]
	if !ok {
		pricing = providerPricing["custom"]
	}
	return (float64(inputTokens)/1000.0)*pricing[0] + (float64(outputTokens)/1000.0)*pricing[1]
}

// period is the current calendar month in UTC.
func (t *tracker) period() (time.Time, time.Time) {
	now := t.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
