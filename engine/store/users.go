package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

const userColumns = "id, email, password_hash, active, created_at, updated_at"

// CreateUser inserts a registry account. A duplicate email reports
// core.Conflict.
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	query, args, err := s.sq.Insert("users").
		Columns("id", "email", "password_hash", "active", "created_at", "updated_at").
		Values(user.ID, strings.ToLower(user.Email), user.PasswordHash, user.Active, user.CreatedAt.UTC(), user.UpdatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return core.Conflictf("user %q already exists", user.Email)
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id core.ID) (*model.User, error) {
	query, args, err := s.sq.Select(userColumns).
		From("users").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var user model.User
	if err := sqlscan.Get(ctx, s.db, &user, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("user %s not found", id)
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &user, nil
}

// GetUserByEmail fetches a user by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query, args, err := s.sq.Select(userColumns).
		From("users").
		Where("lower(email) = ?", strings.ToLower(email)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var user model.User
	if err := sqlscan.Get(ctx, s.db, &user, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("user %q not found", email)
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &user, nil
}

const adminColumns = "id, username, password_hash, active, created_at"

// CreateAdmin inserts a management-plane account. A duplicate username
// reports core.Conflict.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.AdminUser) error {
	query, args, err := s.sq.Insert("admin_users").
		Columns("id", "username", "password_hash", "active", "created_at").
		Values(admin.ID, admin.Username, admin.PasswordHash, admin.Active, admin.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return core.Conflictf("admin %q already exists", admin.Username)
		}
		return fmt.Errorf("inserting admin: %w", err)
	}
	return nil
}

// GetAdminByUsername fetches an admin account by username.
func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*model.AdminUser, error) {
	query, args, err := s.sq.Select(adminColumns).
		From("admin_users").
		Where("username = ?", username).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var admin model.AdminUser
	if err := sqlscan.Get(ctx, s.db, &admin, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("admin %q not found", username)
		}
		return nil, fmt.Errorf("querying admin: %w", err)
	}
	return &admin, nil
}
