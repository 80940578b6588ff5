// Package cmd defines the CLI commands for the digest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/app"
	"github.com/JakeFAU/browsing-digest/internal/config"
	"github.com/JakeFAU/browsing-digest/internal/logging"
)

const serviceName = "browsing-digest"

type appKeyType struct{}

var appKey appKeyType

// newApp builds the application services. Tests replace it.
var newApp = func(ctx context.Context, path string) (*app.App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := app.New(cfg, logger)
	if err := a.Tracing(ctx, serviceName); err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd builds the command tree. The returned func closes the application
// services opened by PersistentPreRunE and must run even when the command fails.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		opened  *app.App
	)
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Summarize recently visited web pages.",
		Long: `digest reads recent browsing history, queues every visited URL on a
durable broker, and runs workers that fetch each page, summarize it with a
local model, and store the summary keyed by URL.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opened = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}
	closeApp := func() {
		if opened == nil {
			return
		}
		if err := opened.Close(); err != nil {
			opened.Logger().Warn("shutdown incomplete", zap.Error(err))
		}
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")

	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newWorkCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd, closeApp
}

// runCLI executes args and releases the application services afterwards,
// whatever the outcome.
func runCLI(ctx context.Context, args []string) error {
	cmd, closeApp := newRootCmd()
	defer closeApp()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute runs the CLI until it finishes or SIGINT/SIGTERM is received.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runCLI(ctx, os.Args[1:]); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
