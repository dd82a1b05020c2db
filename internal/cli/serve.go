package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/audit"
	"github.com/kubilitics/flightlog-ai/internal/config"
	"github.com/kubilitics/flightlog-ai/internal/server"
	"github.com/kubilitics/flightlog-ai/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, run streaming and gRPC health servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return o.withApp(ctx, func(a *app) error { return serve(ctx, o, a) })
		},
	}
}

func serve(ctx context.Context, o *rootOptions, a *app) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:      a.cfg.Tracing.Enabled,
		ServiceName:  "flightlog-ai",
		Version:      Version,
		Endpoint:     a.cfg.Tracing.Endpoint,
		SamplingRate: a.cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	_ = a.audit.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithDescription(o.configPath).
		WithMetadata("provider", a.cfg.LLM.Provider).
		WithMetadata("database", a.cfg.Database.Type).
		WithResult(audit.ResultSuccess))

	srv, err := server.NewServer(a.cfg, server.Deps{
		Engine:  a.engine,
		Store:   a.store,
		History: a.memory,
		Tracker: a.tracker,
		Audit:   a.audit,
		Logger:  a.logger,
		Version: Version,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		srv.Close()
		return err
	}

	go watchConfig(ctx, o.mgr, a)

	<-ctx.Done()
	a.logger.Info("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(sctx)
}

// watchConfig records config file changes. Components keep the values they
// were built with until the next restart.
func watchConfig(ctx context.Context, mgr config.ConfigManager, a *app) {
	if mgr == nil {
		return
	}
	changes := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-changes:
			a.logger.Info("configuration file changed, restart to apply",
				zap.String("provider", cfg.LLM.Provider),
				zap.String("log_level", cfg.Logging.Level),
			)
			_ = a.audit.Log(ctx, audit.NewEvent(audit.EventConfigChanged).
				WithMetadata("provider", cfg.LLM.Provider).
				WithResult(audit.ResultPending))
		}
	}
}
