package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.store.Migrate(ctx); err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}
			app.log.Info("migrations applied")
			return nil
		},
	}
}
