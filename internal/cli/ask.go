package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/flightlog-ai/internal/llm/budget"
	mcpserver "github.com/kubilitics/flightlog-ai/internal/mcp/server"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/engine"
)

func newAskCmd(o *rootOptions) *cobra.Command {
	var (
		mode   string
		user   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ask LOG_ID QUESTION...",
		Short: "Ask a diagnostic question about a stored flight log",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logID, question := args[0], strings.Join(args[1:], " ")
			ctx := budget.WithUser(cmd.Context(), user)
			out := cmd.OutOrStdout()

			return o.withApp(ctx, func(a *app) error {
				if _, err := a.store.GetLog(ctx, logID); err != nil {
					return err
				}
				switch mode {
				case mcpserver.ModePipeline:
					run, err := a.engine.Ask(ctx, logID, question)
					if err != nil {
						if run != nil {
							return fmt.Errorf("run %s: %w", run.ID, err)
						}
						return err
					}
					if asJSON {
						enc := json.NewEncoder(out)
						enc.SetIndent("", "  ")
						return enc.Encode(run)
					}
					fmt.Fprintln(out, run.Answer)
					return nil
				case mcpserver.ModeGeneral, mcpserver.ModeDirect:
					var (
						answer string
						err    error
					)
					if mode == mcpserver.ModeGeneral {
						answer, err = a.engine.General(ctx, logID, question)
					} else {
						answer, err = a.engine.Direct(ctx, logID, question)
					}
					if err != nil {
						return err
					}
					fmt.Fprintln(out, answer)
					return nil
				default:
					return fmt.Errorf("%w: unknown mode %q", engine.ErrInvalidRequest, mode)
				}
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", mcpserver.ModePipeline, "pipeline, general or direct")
	cmd.Flags().StringVar(&user, "user", budget.DefaultUser, "budget owner of the reasoning calls")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the whole run as JSON (pipeline mode)")
	return cmd
}
