// Package cmd provides the CLI commands for vitalkb.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vitalkb/internal/config"
	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
	"github.com/Aman-CERP/vitalkb/internal/logging"
	"github.com/Aman-CERP/vitalkb/pkg/version"
)

// annotationNoConfig marks commands that run without loading configuration.
const annotationNoConfig = "vitalkb/no-config"

// rootOptions holds global flags and the state they produce.
type rootOptions struct {
	configPath string
	debug      bool

	cfg            *config.Config
	loggingCleanup func()
}

// NewRootCmd creates the root command for the vitalkb CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "vitalkb",
		Short: "Knowledge-base retrieval for supplements and devices",
		Long: `vitalkb ingests knowledge sources, splits them into chunks, embeds
them and answers questions with hybrid keyword and semantic search.

Configuration is read from ./vitalkb.yaml or ~/.config/vitalkb/config.yaml,
and VITALKB_* environment variables override it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("vitalkb version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a config file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to stderr and the log file")

	cmd.PersistentPreRunE = opts.setup
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		opts.teardown()
		return nil
	}

	cmd.AddCommand(newIngestCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newReprocessCmd(opts))
	cmd.AddCommand(newDeleteCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setup loads configuration and installs logging. The serve command logs to
// the file only since stdout and stderr belong to the MCP client.
func (o *rootOptions) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[annotationNoConfig] == "true" {
		return nil
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	o.cfg = cfg

	logCfg := cfg.Logging
	logCfg.Stderr = false
	if o.debug {
		logCfg.Level = "debug"
		logCfg.Stderr = true
	}

	var cleanup func()
	if cmd.Name() == "serve" {
		cleanup, err = logging.InstallServerMode(logCfg)
	} else {
		cleanup, err = logging.Install(logCfg)
	}
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	o.loggingCleanup = cleanup

	slog.Debug("command_started",
		slog.String("command", cmd.CommandPath()),
		slog.String("version", version.Version))
	return nil
}

func (o *rootOptions) teardown() {
	if o.loggingCleanup != nil {
		o.loggingCleanup()
		o.loggingCleanup = nil
	}
}

// open builds the application for a command.
func (o *rootOptions) open(ctx context.Context) (*app, error) {
	if o.cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return openApp(ctx, o.cfg)
}

// Execute runs the root command, cancelling on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprint(os.Stderr, kberrors.FormatForCLI(err))
	}
	return err
}
