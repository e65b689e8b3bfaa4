package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

const tokenColumns = "id, user_id, name, hash, scopes, expires_at, last_used, created_at"

// CreateToken inserts a minted token. The hash column is unique; a
// collision reports core.Conflict, though with 256-bit secrets one never
// happens in practice.
func (s *Store) CreateToken(ctx context.Context, token *model.AuthToken) error {
	query, args, err := s.sq.Insert("auth_tokens").
		Columns("id", "user_id", "name", "hash", "scopes", "expires_at", "last_used", "created_at").
		Values(token.ID, token.UserID, token.Name, token.Hash, token.Scopes, utcNull(token.ExpiresAt), utcNull(token.LastUsed), token.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return core.Conflictf("token already exists")
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// GetTokenByHash fetches a token by its secret hash.
func (s *Store) GetTokenByHash(ctx context.Context, hash []byte) (*model.AuthToken, error) {
	query, args, err := s.sq.Select(tokenColumns).
		From("auth_tokens").
		Where("hash = ?", hash).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var token model.AuthToken
	if err := sqlscan.Get(ctx, s.db, &token, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("token not found")
		}
		return nil, fmt.Errorf("querying token: %w", err)
	}
	return &token, nil
}

// TouchToken advances the token's last-used timestamp. Concurrent touches
// may race, so the update keeps whichever timestamp is later.
func (s *Store) TouchToken(ctx context.Context, id core.ID, now time.Time) error {
	ts := now.UTC()
	query, args, err := s.sq.Update("auth_tokens").
		Set("last_used", squirrel.Expr("CASE WHEN last_used IS NULL OR last_used < ? THEN ? ELSE last_used END", ts, ts)).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating token: %w", err)
	}
	return nil
}

// ListTokensByUser returns the user's tokens, newest first.
func (s *Store) ListTokensByUser(ctx context.Context, userID core.ID) ([]*model.AuthToken, error) {
	query, args, err := s.sq.Select(tokenColumns).
		From("auth_tokens").
		Where("user_id = ?", userID).
		OrderBy("created_at DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var tokens []*model.AuthToken
	if err := sqlscan.Select(ctx, s.db, &tokens, query, args...); err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	return tokens, nil
}

// DeleteToken removes a token owned by the given user. A token that does
// not exist, or belongs to someone else, reports core.NotFound so
// revocation leaks nothing about other users' tokens.
func (s *Store) DeleteToken(ctx context.Context, id core.ID, userID core.ID) error {
	query, args, err := s.sq.Delete("auth_tokens").
		Where("id = ?", id).
		Where("user_id = ?", userID).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting deleted tokens: %w", err)
	}
	if n == 0 {
		return core.NotFoundf("token %s not found", id)
	}
	return nil
}
