package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pubkeep/pubkeep/engine/auth"
	"github.com/pubkeep/pubkeep/engine/packages"
	"github.com/pubkeep/pubkeep/engine/publish"
	"github.com/pubkeep/pubkeep/engine/upstream"
	"github.com/pubkeep/pubkeep/engine/webhook"
	"github.com/pubkeep/pubkeep/server"
)

func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registry server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			cfg := app.cfg

			if cfg.Database.AutoMigrate {
				if err := app.store.Migrate(ctx); err != nil {
					return fmt.Errorf("applying migrations: %w", err)
				}
			}
			if err := app.blobs.EnsureReady(ctx); err != nil {
				return fmt.Errorf("preparing archive store: %w", err)
			}
			if err := app.cacheBlobs.EnsureReady(ctx); err != nil {
				return fmt.Errorf("preparing cache archive store: %w", err)
			}

			dispatcher := webhook.NewDispatcher(app.store,
				webhook.WithDeliveryTimeout(cfg.Webhooks.Timeout),
			)
			defer dispatcher.Close()

			authSvc := auth.NewService(app.store, dispatcher,
				auth.WithSessionTTLs(cfg.Auth.UserSessionTTL, cfg.Auth.AdminSessionTTL),
				auth.WithHasher(auth.NewBcryptHasher(cfg.Auth.BcryptCost)),
			)
			publishSvc := publish.NewService(app.store, app.blobs, dispatcher, publish.Config{
				SessionTTL:      cfg.Publish.SessionTTL,
				MaxArchiveBytes: cfg.Publish.MaxArchiveBytes,
				RetainCompleted: cfg.Publish.RetainCompleted,
			})
			packagesSvc := packages.NewService(app.store, app.blobs, dispatcher)

			var upstreamSvc *upstream.Service
			if cfg.Upstream.Enabled {
				upstreamSvc, err = upstream.NewService(app.store, app.cacheBlobs, dispatcher, upstream.Config{
					URL:       cfg.Upstream.URL,
					DocTTL:    cfg.Upstream.DocTTL,
					CacheSize: cfg.Upstream.CacheSize,
				})
				if err != nil {
					return fmt.Errorf("configuring upstream mirror: %w", err)
				}
			}

			srv := server.New(server.Deps{
				Config:     cfg,
				Auth:       authSvc,
				Publish:    publishSvc,
				Packages:   packagesSvc,
				Upstream:   upstreamSvc,
				Blobs:      app.blobs,
				CacheBlobs: app.cacheBlobs,
			}, app.log)
			return srv.Run(ctx)
		},
	}
}
