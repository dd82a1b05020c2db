package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/kubilitics/flightlog-ai/internal/mcp/server"
)

func newMCPCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the flight log tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return o.withApp(ctx, func(a *app) error {
				s := mcpserver.NewServer(a.engine, a.store, a.memory, Version, a.logger)
				return s.Run(ctx)
			})
		},
	}
}
