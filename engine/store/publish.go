package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

// PublishParams carries everything needed to commit one finalized publish.
// The archive blob must already be durable under ArchiveKey before calling
// PublishVersion; metadata commits last.
type PublishParams struct {
	SessionID  string
	Name       string
	OwnerID    core.ID
	Version    string
	Pubspec    model.JSONMap
	ArchiveKey string
	Digest     string
}

// PublishResult reports the committed package and version. AlreadyExisted
// is set when the version was published before with an identical digest
// and the call was an idempotent no-op.
type PublishResult struct {
	Package        *model.Package
	Version        *model.PackageVersion
	AlreadyExisted bool
}

// PublishVersion commits a finalized publish in a single transaction: the
// upload session is claimed, the package row is created or refreshed, and
// the version row is inserted. Every failure rolls the whole transaction
// back, leaving the session unclaimed and no partial metadata behind.
//
// Republishing an existing version with the same digest succeeds without
// writing anything; a differing digest reports core.Conflict.
func (s *Store) PublishVersion(ctx context.Context, params PublishParams) (*PublishResult, error) {
	now := s.now().UTC()
	var result PublishResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.claimSessionTx(ctx, tx, params.SessionID, now); err != nil {
			return err
		}
		pkg, err := s.upsertPackageTx(ctx, tx, upsertPackage{
			Name:    params.Name,
			OwnerID: params.OwnerID,
			Now:     now,
		})
		if err != nil {
			return err
		}
		version := &model.PackageVersion{
			ID:          core.MustNewID(),
			PackageID:   pkg.ID,
			Version:     params.Version,
			Pubspec:     params.Pubspec,
			ArchiveKey:  params.ArchiveKey,
			Digest:      strings.ToLower(params.Digest),
			PublishedAt: now,
		}
		inserted, err := s.insertVersionTx(ctx, tx, version)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.getVersionTx(ctx, tx, pkg.ID, params.Version)
			if err != nil {
				return err
			}
			if !strings.EqualFold(existing.Digest, params.Digest) {
				return core.Conflictf("version %s of %q already exists with different content", params.Version, params.Name)
			}
			result = PublishResult{Package: pkg, Version: existing, AlreadyExisted: true}
			return nil
		}
		result = PublishResult{Package: pkg, Version: version}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RecordCachedVersion commits an upstream package version fetched by the
// caching proxy. Cache entries are owned by the anonymous user and never
// demote a first-party package of the same name.
func (s *Store) RecordCachedVersion(ctx context.Context, name, version string, pubspec model.JSONMap, archiveKey, digest string) (*PublishResult, error) {
	now := s.now().UTC()
	var result PublishResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pkg, err := s.upsertPackageTx(ctx, tx, upsertPackage{
			Name:    name,
			OwnerID: model.AnonymousUserID,
			Cached:  true,
			Now:     now,
		})
		if err != nil {
			return err
		}
		row := &model.PackageVersion{
			ID:          core.MustNewID(),
			PackageID:   pkg.ID,
			Version:     version,
			Pubspec:     pubspec,
			ArchiveKey:  archiveKey,
			Digest:      strings.ToLower(digest),
			PublishedAt: now,
		}
		inserted, err := s.insertVersionTx(ctx, tx, row)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.getVersionTx(ctx, tx, pkg.ID, version)
			if err != nil {
				return err
			}
			if !strings.EqualFold(existing.Digest, digest) {
				return core.Conflictf("cached version %s of %q already exists with different content", version, name)
			}
			result = PublishResult{Package: pkg, Version: existing, AlreadyExisted: true}
			return nil
		}
		result = PublishResult{Package: pkg, Version: row}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// claimSessionTx marks the upload session completed and drops its staged
// archive. Exactly one claim ever succeeds for a session; losers learn why
// they lost.
func (s *Store) claimSessionTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	query, args, err := s.sq.Update("upload_sessions").
		Set("completed", true).
		Set("archive", nil).
		Where("id = ?", id).
		Where("completed = ?", false).
		Where("expires_at > ?", now).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("claiming upload session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting claimed sessions: %w", err)
	}
	if n == 1 {
		return nil
	}
	session, err := s.getUploadSessionTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if session.Completed {
		return core.Conflictf("upload session %s already finalized", id)
	}
	// Lazy expiry: an expired session behaves as if the sweep already
	// reclaimed it.
	return core.NotFoundf("upload session %s expired", id)
}

// upsertPackage describes one create-or-refresh of a package row.
type upsertPackage struct {
	Name    string
	OwnerID core.ID
	Cached  bool
	Now     time.Time
}

// upsertPackageTx creates the package row or refreshes an existing one. On
// conflict only updated_at moves, with one exception: a first-party publish
// over a cache-only entry promotes it, flipping is_cached off and taking
// ownership. Caching never demotes a first-party package.
func (s *Store) upsertPackageTx(ctx context.Context, tx *sql.Tx, p upsertPackage) (*model.Package, error) {
	conflict := "ON CONFLICT (name) DO UPDATE SET updated_at = excluded.updated_at"
	if !p.Cached {
		conflict += ", owner_id = CASE WHEN packages.is_cached THEN excluded.owner_id ELSE packages.owner_id END" +
			", is_cached = CASE WHEN packages.is_cached THEN excluded.is_cached ELSE packages.is_cached END"
	}
	query, args, err := s.sq.Insert("packages").
		Columns("id", "name", "owner_id", "discontinued", "replaced_by", "is_cached", "created_at", "updated_at").
		Values(core.MustNewID(), p.Name, p.OwnerID, false, nil, p.Cached, p.Now, p.Now).
		Suffix(conflict + " RETURNING " + packageColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building upsert query: %w", err)
	}
	var pkg model.Package
	if err := sqlscan.Get(ctx, tx, &pkg, query, args...); err != nil {
		return nil, fmt.Errorf("upserting package: %w", err)
	}
	return &pkg, nil
}

// insertVersionTx inserts the version row, reporting false when the
// (package, version) pair already exists.
func (s *Store) insertVersionTx(ctx context.Context, tx *sql.Tx, v *model.PackageVersion) (bool, error) {
	query, args, err := s.sq.Insert("package_versions").
		Columns("id", "package_id", "version", "pubspec", "archive_key", "digest", "retracted", "published_at").
		Values(v.ID, v.PackageID, v.Version, v.Pubspec, v.ArchiveKey, v.Digest, v.Retracted, v.PublishedAt).
		Suffix("ON CONFLICT (package_id, version) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building insert query: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("inserting version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("counting inserted versions: %w", err)
	}
	return n == 1, nil
}

// getVersionTx is GetVersion inside an open transaction.
func (s *Store) getVersionTx(ctx context.Context, tx *sql.Tx, packageID core.ID, version string) (*model.PackageVersion, error) {
	query, args, err := s.sq.Select(versionColumns).
		From("package_versions").
		Where("package_id = ?", packageID).
		Where("version = ?", version).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var ver model.PackageVersion
	if err := sqlscan.Get(ctx, tx, &ver, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("version %s not found", version)
		}
		return nil, fmt.Errorf("querying version: %w", err)
	}
	return &ver, nil
}
