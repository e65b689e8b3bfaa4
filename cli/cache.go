package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pubkeep/pubkeep/engine/upstream"
	"github.com/pubkeep/pubkeep/engine/webhook"
)

func CacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the upstream package cache",
	}
	cmd.AddCommand(cacheClearCmd())
	return cmd
}

func cacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached upstream package and its archives",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			dispatcher := webhook.NewDispatcher(app.store,
				webhook.WithDeliveryTimeout(app.cfg.Webhooks.Timeout),
			)
			defer dispatcher.Close()

			svc, err := upstream.NewService(app.store, app.cacheBlobs, dispatcher, upstream.Config{
				URL: app.cfg.Upstream.URL,
			})
			if err != nil {
				return fmt.Errorf("configuring upstream mirror: %w", err)
			}
			report, err := svc.ClearCache(ctx)
			if err != nil {
				return err
			}
			app.log.Info("cache cleared",
				"packages", report.ArchiveKeys,
				"blobs_deleted", report.BlobsDeleted,
				"failures", len(report.BlobFailures),
			)
			for key, msg := range report.BlobFailures {
				app.log.Warn("cached archive left behind", "key", key, "error", msg)
			}
			return nil
		},
	}
}
