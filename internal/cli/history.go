package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubilitics/flightlog-ai/internal/llm/budget"
)

func newHistoryCmd(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history LOG_ID",
		Short: "Print the chat history of a flight log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return o.withApp(ctx, func(a *app) error {
				if _, err := a.store.GetLog(ctx, args[0]); err != nil {
					return err
				}
				entries, err := a.memory.Read(ctx, args[0])
				if err != nil {
					return err
				}
				if limit > 0 && len(entries) > limit {
					entries = entries[len(entries)-limit:]
				}
				out := cmd.OutOrStdout()
				for _, e := range entries {
					fmt.Fprintf(out, "[%s] %s\nQ: %s\nA: %s\n\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Agent, e.Question, e.Response)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "print only the newest entries")
	return cmd
}

func newUsageCmd(o *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show this month's reasoning spend of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return o.withApp(ctx, func(a *app) error {
				s, err := a.tracker.Summary(ctx, user)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "user:      %s\n", s.UserID)
				fmt.Fprintf(out, "since:     %s\n", s.PeriodStart.Format("2006-01-02"))
				fmt.Fprintf(out, "tokens:    %d (%d in, %d out)\n", s.TotalTokens, s.TotalInputTokens, s.TotalOutputTokens)
				fmt.Fprintf(out, "cost:      $%.4f\n", s.TotalCostUSD)
				if s.BudgetLimitUSD > 0 {
					fmt.Fprintf(out, "remaining: $%.4f of $%.2f\n", s.RemainingUSD, s.BudgetLimitUSD)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", budget.DefaultUser, "budget owner")
	return cmd
}
