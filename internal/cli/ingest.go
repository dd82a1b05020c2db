package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

func newIngestCmd(o *rootOptions) *cobra.Command {
	var logID string
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Store a parsed flight log (JSON, \"-\" for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var up telemetry.Upload
			if err := json.NewDecoder(r).Decode(&up); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			if logID == "" {
				logID = uuid.New().String()
			}
			rec, err := telemetry.Normalize(logID, &up)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return o.withApp(ctx, func(a *app) error {
				if err := a.store.SaveLog(ctx, rec); err != nil {
					return err
				}
				if err := a.store.SaveDocuments(ctx, logID, []*contextdoc.Document{contextdoc.Overview(rec)}); err != nil {
					return err
				}
				_ = a.audit.LogIngested(ctx, logID, len(rec.TimeSeries))
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d message types\n", logID, len(rec.TimeSeries))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&logID, "log-id", "", "log id to store under (default: a new uuid)")
	return cmd
}

func newLogsCmd(o *rootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List stored flight logs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return o.withApp(ctx, func(a *app) error {
				logs, err := a.store.ListLogs(ctx, limit, offset)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "LOG ID\tFILE\tVEHICLE\tMESSAGES\tCREATED")
				for _, l := range logs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", l.LogID, l.Filename, l.Vehicle, l.MessageTypes, l.CreatedAt.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum logs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "logs to skip")
	return cmd
}
