package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the summaries table if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := a.Store(cmd.Context()); err != nil {
				return err
			}
			a.Logger().Info("schema ready", zap.String("store", a.Config().Store.Kind))
			return nil
		},
	}
}
