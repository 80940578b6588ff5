package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/publisher"
)

func newPublishCmd() *cobra.Command {
	var daysBack int
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Queue the URLs visited in the last days",
		Long: `Reads the browser history database and publishes one message per visit
to the broker. Duplicate URLs are published as many times as they were
visited; the store keeps the first summary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg := a.Config()
			if cmd.Flags().Changed("days-back") {
				cfg.History.DaysBack = daysBack
			}
			if cfg.History.DaysBack < 0 {
				return fmt.Errorf("days-back must be >= 0")
			}

			source, err := a.History(ctx)
			if err != nil {
				return err
			}
			b, err := a.Connect(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := b.Close(); cerr != nil {
					a.Logger().Warn("broker close failed", zap.Error(cerr))
				}
			}()

			n, err := publisher.New(b, a.Logger().Named("publisher")).Run(ctx, source, cfg.History.DaysBack, a.Clock())
			if err != nil {
				return fmt.Errorf("publish after %d messages: %w", n, err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&daysBack, "days-back", 1, "how many days of history to publish (overrides history.days_back)")
	return cmd
}
