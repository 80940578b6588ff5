package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/api"
	"github.com/JakeFAU/browsing-digest/internal/app"
	"github.com/JakeFAU/browsing-digest/internal/broker"
	"github.com/JakeFAU/browsing-digest/internal/dispatcher"
	"github.com/JakeFAU/browsing-digest/internal/worker"
)

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Consume queued URLs and store their summaries",
		Long: `Starts worker.count workers, each with its own broker connection and
buffer. Workers flush every worker.batch_size summaries and drain their buffer
on SIGINT/SIGTERM. When metrics.addr is set an operator HTTP server runs
alongside them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runWorkers(cmd.Context(), a)
		},
	}
}

func runWorkers(ctx context.Context, a *app.App) error {
	cfg := a.Config()
	logger := a.Logger()

	store, err := a.Store(ctx)
	if err != nil {
		return err
	}
	fetch, err := a.Fetcher()
	if err != nil {
		return err
	}
	summarize := a.Summarizer()

	var (
		brokers  []broker.Broker
		runners  []dispatcher.Runner
		statuses []api.StatusSource
	)
	defer func() {
		for _, b := range brokers {
			if cerr := b.Close(); cerr != nil {
				logger.Warn("broker close failed", zap.Error(cerr))
			}
		}
	}()

	settings := cfg.WorkerSettings()
	for i := 0; i < cfg.Worker.Count; i++ {
		b, err := a.Connect(ctx)
		if err != nil {
			return err
		}
		brokers = append(brokers, b)
		w := worker.New(b, fetch, summarize, store, a.Clock(), settings,
			logger.Named("worker").With(zap.Int("index", i)))
		runners = append(runners, w)
		statuses = append(statuses, w)
	}

	if cfg.Metrics.Addr != "" {
		srv := api.NewServer(store, statuses, a.Ready, logger.Named("api"))
		runners = append(runners, dispatcher.RunnerFunc(func(ctx context.Context) error {
			return srv.Run(ctx, cfg.Metrics.Addr)
		}))
	}

	if err := dispatcher.New(runners, logger.Named("dispatcher")).Run(ctx); err != nil {
		return fmt.Errorf("run workers: %w", err)
	}
	logger.Info("workers stopped")
	return nil
}
