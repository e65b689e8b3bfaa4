package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

const versionColumns = "id, package_id, version, pubspec, archive_key, digest, retracted, published_at"

// ListVersions returns every version of a package in publish order.
func (s *Store) ListVersions(ctx context.Context, packageID core.ID) ([]*model.PackageVersion, error) {
	query, args, err := s.sq.Select(versionColumns).
		From("package_versions").
		Where("package_id = ?", packageID).
		OrderBy("published_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var versions []*model.PackageVersion
	if err := sqlscan.Select(ctx, s.db, &versions, query, args...); err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	return versions, nil
}

// GetVersion fetches one version of a package.
func (s *Store) GetVersion(ctx context.Context, packageID core.ID, version string) (*model.PackageVersion, error) {
	query, args, err := s.sq.Select(versionColumns).
		From("package_versions").
		Where("package_id = ?", packageID).
		Where("version = ?", version).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var ver model.PackageVersion
	if err := sqlscan.Get(ctx, s.db, &ver, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("version %s not found", version)
		}
		return nil, fmt.Errorf("querying version: %w", err)
	}
	return &ver, nil
}

// SetVersionRetracted flips the retraction flag on one version.
func (s *Store) SetVersionRetracted(ctx context.Context, packageID core.ID, version string, retracted bool) error {
	query, args, err := s.sq.Update("package_versions").
		Set("retracted", retracted).
		Where("package_id = ?", packageID).
		Where("version = ?", version).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting updated versions: %w", err)
	}
	if n == 0 {
		return core.NotFoundf("version %s not found", version)
	}
	return nil
}

// DeleteVersion removes one version and returns the deleted row so the
// caller can reclaim its archive.
func (s *Store) DeleteVersion(ctx context.Context, packageID core.ID, version string) (*model.PackageVersion, error) {
	var deleted model.PackageVersion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.sq.Select(versionColumns).
			From("package_versions").
			Where("package_id = ?", packageID).
			Where("version = ?", version).
			ToSql()
		if err != nil {
			return fmt.Errorf("building select query: %w", err)
		}
		if err := sqlscan.Get(ctx, tx, &deleted, query, args...); err != nil {
			if sqlscan.NotFound(err) {
				return core.NotFoundf("version %s not found", version)
			}
			return fmt.Errorf("querying version: %w", err)
		}
		query, args, err = s.sq.Delete("package_versions").
			Where("id = ?", deleted.ID).
			ToSql()
		if err != nil {
			return fmt.Errorf("building delete query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &deleted, nil
}

// CountVersions returns the number of versions attached to a package.
func (s *Store) CountVersions(ctx context.Context, packageID core.ID) (int64, error) {
	query, args, err := s.sq.Select("COUNT(*)").
		From("package_versions").
		Where("package_id = ?", packageID).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting versions: %w", err)
	}
	return count, nil
}

// listVersionsTx is ListVersions inside an open transaction.
func (s *Store) listVersionsTx(ctx context.Context, tx *sql.Tx, packageID core.ID) ([]*model.PackageVersion, error) {
	query, args, err := s.sq.Select(versionColumns).
		From("package_versions").
		Where("package_id = ?", packageID).
		OrderBy("published_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var versions []*model.PackageVersion
	if err := sqlscan.Select(ctx, tx, &versions, query, args...); err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	return versions, nil
}
