package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pubkeep/pubkeep/engine/blob"
	"github.com/pubkeep/pubkeep/pkg/config"
)

func StorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Move and verify archives between storage backends",
	}
	cmd.PersistentFlags().String("source", "", "source backend (fs or s3)")
	cmd.PersistentFlags().String("target", "", "target backend (fs or s3)")
	cmd.PersistentFlags().Bool("first-party-only", false, "skip upstream cache archives")
	cmd.PersistentFlags().Int("parallelism", blob.DefaultMigrateParallelism, "concurrent transfers")
	cmd.AddCommand(storageMigrateCmd(), storageVerifyCmd())
	return cmd
}

func storageMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy archives from the source backend to the target backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			overwrite, err := cmd.Flags().GetBool("overwrite")
			if err != nil {
				return err
			}
			ctx, app, migrator, keys, err := storageSetup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := migrator.Copy(ctx, keys, overwrite)
			if err != nil {
				return err
			}
			app.log.Info("storage migration finished",
				"migrated", report.Migrated,
				"skipped", report.Skipped,
				"failed", report.Failed,
			)
			for key, msg := range report.Errors {
				app.log.Error("archive copy failed", "key", key, "error", msg)
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d archives failed to copy", report.Failed, len(keys))
			}
			return nil
		},
	}
	cmd.Flags().Bool("overwrite", false, "overwrite archives already present in the target")
	return cmd
}

func storageVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Byte-compare archives between the source and target backends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, app, migrator, keys, err := storageSetup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := migrator.Verify(ctx, keys)
			if err != nil {
				return err
			}
			app.log.Info("storage verification finished",
				"verified", report.Verified,
				"missing", report.Missing,
				"size_mismatches", report.SizeMismatches,
				"content_mismatches", report.ContentMismatches,
				"failed", report.Failed,
			)
			for key, msg := range report.Errors {
				app.log.Error("archive verification issue", "key", key, "error", msg)
			}
			if !report.Clean() {
				return fmt.Errorf("verification found mismatches: %s", report)
			}
			return nil
		},
	}
}

// storageSetup resolves the source and target stores and the key set to
// operate on.
func storageSetup(cmd *cobra.Command) (ctx context.Context, a *app, m *blob.Migrator, keys []string, err error) {
	ctx, a, err = setup(cmd)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	sourceName, err := cmd.Flags().GetString("source")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	targetName, err := cmd.Flags().GetString("target")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	firstPartyOnly, err := cmd.Flags().GetBool("first-party-only")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	parallelism, err := cmd.Flags().GetInt("parallelism")
	if err != nil {
		return nil, nil, nil, nil, err
	}

	source, err := backendStore(a.cfg, sourceName)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("source: %w", err)
	}
	target, err := backendStore(a.cfg, targetName)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("target: %w", err)
	}
	if err := source.EnsureReady(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("preparing source store: %w", err)
	}
	if err := target.EnsureReady(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("preparing target store: %w", err)
	}

	keys, err = a.store.AllArchiveKeys(ctx, firstPartyOnly)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return ctx, a, blob.NewMigrator(source, target, parallelism), keys, nil
}

// backendStore builds the primary store of the named backend from the
// shared configuration, regardless of which backend serves requests.
func backendStore(cfg *config.Config, backend string) (blob.Store, error) {
	switch backend {
	case "fs":
		return blob.NewFSStore(cfg.Storage.FS.Root, cfg.Server.BaseURL), nil
	case "s3":
		s3 := cfg.Storage.S3
		return blob.NewS3Store(blob.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey.Value(),
			UseSSL:    s3.UseSSL,
			Prefix:    s3.Prefix,
			URLTTL:    s3.URLTTL,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q, expected fs or s3", backend)
	}
}
