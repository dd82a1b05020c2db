// Package cli implements the flightlog-ai command line: the API server, the
// MCP server and one-shot commands against the same store.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/flightlog-ai/internal/config"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	dbPath     string

	cfg  *config.Config
	mgr  config.ConfigManager
	app  appOptions
	in   io.Reader
	out  io.Writer
	errW io.Writer
}

// NewRootCommand returns the flightlog-ai command tree on the process stdio.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithIO(os.Stdin, os.Stdout, os.Stderr)
}

// NewRootCommandWithIO returns the command tree on the given streams.
func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(&rootOptions{in: in, out: out, errW: errOut})
}

func newRootCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flightlog-ai",
		Short:         "Diagnostic question answering over UAV flight logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.SetIn(o.in)
	cmd.SetOut(o.out)
	cmd.SetErr(o.errW)

	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "path to the YAML config file (default /etc/flightlog/config.yaml)")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "override logging.level")
	cmd.PersistentFlags().StringVar(&o.dbPath, "db", "", "override database.sqlite_path")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return o.loadConfig(cmd.Context())
	}

	cmd.AddCommand(
		newServeCmd(o),
		newMCPCmd(o),
		newIngestCmd(o),
		newLogsCmd(o),
		newAskCmd(o),
		newHistoryCmd(o),
		newUsageCmd(o),
	)
	return cmd
}

// loadConfig reads file, environment and flags, in increasing priority.
func (o *rootOptions) loadConfig(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		mgr config.ConfigManager
		err error
	)
	if o.configPath != "" {
		mgr, err = config.NewConfigManager(o.configPath)
	} else {
		mgr, err = config.NewConfigManagerWithDefaults()
	}
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get(ctx)
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.dbPath != "" {
		cfg.Database.Type = "sqlite"
		cfg.Database.SQLitePath = o.dbPath
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	o.mgr, o.cfg = mgr, cfg
	return nil
}

// withApp wires the components, runs fn and releases them.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app) error) error {
	a, err := newApp(ctx, o.cfg, o.app)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
