package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/audit"
	"github.com/kubilitics/flightlog-ai/internal/cache"
	"github.com/kubilitics/flightlog-ai/internal/config"
	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/db"
	"github.com/kubilitics/flightlog-ai/internal/llm/adapter"
	"github.com/kubilitics/flightlog-ai/internal/llm/budget"
	"github.com/kubilitics/flightlog-ai/internal/logging"
	"github.com/kubilitics/flightlog-ai/internal/memory"
	"github.com/kubilitics/flightlog-ai/internal/reasoning"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/engine"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/expert"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

// app holds the components every command shares, wired in dependency
// order: logging and audit, store, memory and documents, specialists,
// reasoning client, engine.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	audit   audit.Logger
	store   db.Store
	memory  *memory.Store
	docs    *contextdoc.StoreProvider
	tracker budget.Tracker
	client  reasoning.Client
	engine  engine.Engine
}

// appOptions carries test overrides.
type appOptions struct {
	client reasoning.Client
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.audit, err = newAuditLogger(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.memory = memory.NewStore(a.store, memory.WithLogger(logger), memory.WithAudit(a.audit))
	a.docs = contextdoc.NewStoreProvider(a.store)

	table, err := expert.LoadTable(cfg.Orchestrator.ExpertsFile)
	if err != nil {
		return nil, err
	}

	a.tracker = budget.NewTracker(a.store, &budget.Config{
		GlobalMonthlyLimitUSD:  cfg.Budget.GlobalMonthlyBudget,
		PerUserMonthlyLimitUSD: cfg.Budget.PerUserMonthlyBudget,
		WarnThreshold:          0.8,
	}, logger)

	a.client = opts.client
	if a.client == nil {
		llm, err := adapter.NewLLMAdapter(adapter.ConfigFrom(cfg), adapter.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("llm adapter: %w", err)
		}
		if llm.Provider() == adapter.ProviderNone {
			logger.Warn("no LLM provider configured, reasoning calls will fail", zap.String("provider", cfg.LLM.Provider))
		}
		a.client = adapter.NewBudgetedAdapter(llm, a.tracker, logger)
	}

	callTimeout := time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second
	logs := cache.NewLogCache(a.store, cache.DefaultSize, cache.DefaultTTL)
	dispatcher := expert.NewDispatcher(table, telemetry.NewExtractor(logs, telemetry.WithLogger(logger)), a.docs, a.client, a.memory,
		expert.WithLogger(logger),
		expert.WithTokenLimits(cfg.Orchestrator.MaxInputTokens, cfg.LLM.MaxOutputTokens),
		expert.WithMaxConcurrent(cfg.Orchestrator.MaxConcurrentExperts),
		expert.WithCallTimeout(callTimeout),
	)

	a.engine = engine.NewEngine(dispatcher, a.docs, a.memory, a.client,
		engine.WithLogger(logger),
		engine.WithAudit(a.audit),
		engine.WithRunStore(a.store),
		engine.WithTokenLimits(cfg.Orchestrator.MaxInputTokens, cfg.LLM.MaxOutputTokens),
		engine.WithCallTimeout(callTimeout),
		engine.WithRunTimeout(time.Duration(cfg.Orchestrator.RunTimeoutSeconds)*time.Second),
	)
	return a, nil
}

func newAuditLogger(cfg *config.Config, logger *zap.Logger) (audit.Logger, error) {
	if cfg.Logging.AuditFile == "" {
		return audit.NewNopLogger(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.AuditFile), 0o755); err != nil {
		return nil, fmt.Errorf("audit log directory: %w", err)
	}
	acfg := audit.DefaultConfig()
	acfg.AuditLogPath = cfg.Logging.AuditFile
	acfg.AppLogger = logger
	return audit.NewLogger(acfg)
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	switch cfg.Database.Type {
	case "postgres":
		return db.NewPostgresStore(ctx, cfg.Database.PostgresURL)
	case "sqlite", "":
		if cfg.Database.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("database directory: %w", err)
			}
		}
		return db.NewSQLiteStore(cfg.Database.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
}

// Close releases the store and flushes the audit and application logs.
func (a *app) Close() error {
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
