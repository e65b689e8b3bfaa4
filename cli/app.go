package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pubkeep/pubkeep/engine/blob"
	"github.com/pubkeep/pubkeep/engine/store"
	"github.com/pubkeep/pubkeep/pkg/config"
	"github.com/pubkeep/pubkeep/pkg/logger"
)

// app bundles the configured backends every command starts from.
type app struct {
	cfg        *config.Config
	log        logger.Logger
	store      *store.Store
	blobs      blob.Store
	cacheBlobs blob.Store
}

// setup loads configuration, builds the logger, and connects the metadata
// store. The returned context carries the logger.
func setup(cmd *cobra.Command) (context.Context, *app, error) {
	log, err := logger.FromFlags(cmd)
	if err != nil {
		return nil, nil, err
	}
	ctx := logger.ContextWithLogger(cmd.Context(), log)

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	blobs, cacheBlobs, err := buildBlobStores(cfg)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return ctx, &app{cfg: cfg, log: log, store: st, blobs: blobs, cacheBlobs: cacheBlobs}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing metadata store", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, dialect, err := store.OpenPostgres(ctx, store.PostgresConfig{
			ConnString: cfg.Database.ConnString,
			Host:       cfg.Database.Host,
			Port:       cfg.Database.Port,
			User:       cfg.Database.User,
			Password:   cfg.Database.Password.Value(),
			DBName:     cfg.Database.DBName,
			SSLMode:    cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return store.New(db, dialect), nil
	case "sqlite":
		db, dialect, err := store.OpenSQLite(ctx, store.SQLiteConfig{Path: cfg.Database.Path})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		return store.New(db, dialect), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildBlobStores constructs the primary and upstream-cache archive stores
// for the configured backend.
func buildBlobStores(cfg *config.Config) (primary, cache blob.Store, err error) {
	switch cfg.Storage.Backend {
	case "fs":
		primary = blob.NewFSStore(cfg.Storage.FS.Root, cfg.Server.BaseURL)
		cache = blob.NewFSStore(cfg.Storage.FS.CacheRoot, cfg.Server.BaseURL)
		return primary, cache, nil
	case "s3":
		s3 := cfg.Storage.S3
		primary, err = blob.NewS3Store(blob.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey.Value(),
			UseSSL:    s3.UseSSL,
			Prefix:    s3.Prefix,
			URLTTL:    s3.URLTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting primary s3 store: %w", err)
		}
		cache, err = blob.NewS3Store(blob.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey.Value(),
			UseSSL:    s3.UseSSL,
			Prefix:    s3.CachePrefix,
			URLTTL:    s3.URLTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting cache s3 store: %w", err)
		}
		return primary, cache, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
