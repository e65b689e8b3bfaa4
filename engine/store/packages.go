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

const packageColumns = "id, name, owner_id, discontinued, replaced_by, is_cached, created_at, updated_at"

// GetPackage fetches a package by name.
func (s *Store) GetPackage(ctx context.Context, name string) (*model.Package, error) {
	query, args, err := s.sq.Select(packageColumns).
		From("packages").
		Where("name = ?", name).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var pkg model.Package
	if err := sqlscan.Get(ctx, s.db, &pkg, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("package %q not found", name)
		}
		return nil, fmt.Errorf("querying package: %w", err)
	}
	return &pkg, nil
}

// ListPackages returns first-party packages ordered by name. Upstream
// cache entries never appear in listings.
func (s *Store) ListPackages(ctx context.Context, page core.Page) ([]*model.Package, error) {
	page = page.Normalize()
	query, args, err := s.sq.Select(packageColumns).
		From("packages").
		Where("is_cached = ?", false).
		OrderBy("name ASC").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var pkgs []*model.Package
	if err := sqlscan.Select(ctx, s.db, &pkgs, query, args...); err != nil {
		return nil, fmt.Errorf("querying packages: %w", err)
	}
	return pkgs, nil
}

// CountPackages returns the number of first-party packages.
func (s *Store) CountPackages(ctx context.Context) (int64, error) {
	query, args, err := s.sq.Select("COUNT(*)").
		From("packages").
		Where("is_cached = ?", false).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting packages: %w", err)
	}
	return count, nil
}

// SearchPackages returns first-party packages whose name contains the
// term, case-insensitively, ordered by name. LIKE metacharacters in the
// term match literally.
func (s *Store) SearchPackages(ctx context.Context, term string, page core.Page) ([]*model.Package, error) {
	page = page.Normalize()
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	query, args, err := s.sq.Select(packageColumns).
		From("packages").
		Where("is_cached = ?", false).
		Where(`lower(name) LIKE ? ESCAPE '\'`, pattern).
		OrderBy("name ASC").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building search query: %w", err)
	}
	var pkgs []*model.Package
	if err := sqlscan.Select(ctx, s.db, &pkgs, query, args...); err != nil {
		return nil, fmt.Errorf("searching packages: %w", err)
	}
	return pkgs, nil
}

// ListPackagesByOwner returns the owner's first-party packages ordered by
// name.
func (s *Store) ListPackagesByOwner(ctx context.Context, ownerID core.ID, page core.Page) ([]*model.Package, error) {
	page = page.Normalize()
	query, args, err := s.sq.Select(packageColumns).
		From("packages").
		Where("is_cached = ?", false).
		Where("owner_id = ?", ownerID).
		OrderBy("name ASC").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var pkgs []*model.Package
	if err := sqlscan.Select(ctx, s.db, &pkgs, query, args...); err != nil {
		return nil, fmt.Errorf("querying packages: %w", err)
	}
	return pkgs, nil
}

// SetDiscontinued marks a package discontinued or active again. ReplacedBy
// is stored only while discontinued; reactivating clears it.
func (s *Store) SetDiscontinued(ctx context.Context, name string, discontinued bool, replacedBy string, now time.Time) error {
	replacement := sql.NullString{String: replacedBy, Valid: discontinued && replacedBy != ""}
	query, args, err := s.sq.Update("packages").
		Set("discontinued", discontinued).
		Set("replaced_by", replacement).
		Set("updated_at", now.UTC()).
		Where("name = ?", name).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating package: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting updated packages: %w", err)
	}
	if n == 0 {
		return core.NotFoundf("package %q not found", name)
	}
	return nil
}

// TransferOwnership reassigns a package to another user. The caller is
// responsible for ensuring the new owner exists; a dangling ID trips the
// foreign key and surfaces as a backend error.
func (s *Store) TransferOwnership(ctx context.Context, name string, newOwnerID core.ID, now time.Time) error {
	query, args, err := s.sq.Update("packages").
		Set("owner_id", newOwnerID).
		Set("updated_at", now.UTC()).
		Where("name = ?", name).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating package: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting updated packages: %w", err)
	}
	if n == 0 {
		return core.NotFoundf("package %q not found", name)
	}
	return nil
}

// DeletePackage removes a package row; versions cascade. It returns the
// versions that were attached so the caller can reclaim their archives.
func (s *Store) DeletePackage(ctx context.Context, name string) ([]*model.PackageVersion, error) {
	var versions []*model.PackageVersion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pkg, err := s.getPackageTx(ctx, tx, name)
		if err != nil {
			return err
		}
		versions, err = s.listVersionsTx(ctx, tx, pkg.ID)
		if err != nil {
			return err
		}
		query, args, err := s.sq.Delete("packages").
			Where("id = ?", pkg.ID).
			ToSql()
		if err != nil {
			return fmt.Errorf("building delete query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting package: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// DeleteCachedPackages removes every upstream cache entry and returns the
// archive keys that were attached so the caller can reclaim the blobs.
func (s *Store) DeleteCachedPackages(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.sq.Select("v.archive_key").
			From("package_versions v").
			Join("packages p ON p.id = v.package_id").
			Where("p.is_cached = ?", true).
			ToSql()
		if err != nil {
			return fmt.Errorf("building select query: %w", err)
		}
		if err := sqlscan.Select(ctx, tx, &keys, query, args...); err != nil {
			return fmt.Errorf("querying cached archive keys: %w", err)
		}
		query, args, err = s.sq.Delete("packages").
			Where("is_cached = ?", true).
			ToSql()
		if err != nil {
			return fmt.Errorf("building delete query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting cached packages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// AllArchiveKeys returns the archive key of every stored version, for the
// storage migration tool. With firstPartyOnly set, upstream cache entries
// are excluded.
func (s *Store) AllArchiveKeys(ctx context.Context, firstPartyOnly bool) ([]string, error) {
	builder := s.sq.Select("v.archive_key").
		From("package_versions v").
		Join("packages p ON p.id = v.package_id").
		OrderBy("v.archive_key ASC")
	if firstPartyOnly {
		builder = builder.Where("p.is_cached = ?", false)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var keys []string
	if err := sqlscan.Select(ctx, s.db, &keys, query, args...); err != nil {
		return nil, fmt.Errorf("querying archive keys: %w", err)
	}
	return keys, nil
}

// getPackageTx is GetPackage inside an open transaction.
func (s *Store) getPackageTx(ctx context.Context, tx *sql.Tx, name string) (*model.Package, error) {
	query, args, err := s.sq.Select(packageColumns).
		From("packages").
		Where("name = ?", name).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var pkg model.Package
	if err := sqlscan.Get(ctx, tx, &pkg, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("package %q not found", name)
		}
		return nil, fmt.Errorf("querying package: %w", err)
	}
	return &pkg, nil
}
