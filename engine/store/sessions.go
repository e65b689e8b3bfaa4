package store

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

const sessionColumns = "id, kind, subject_id, created_at, expires_at"

// CreateSession inserts a browser session row.
func (s *Store) CreateSession(ctx context.Context, session *model.UserSession) error {
	query, args, err := s.sq.Insert("user_sessions").
		Columns("id", "kind", "subject_id", "created_at", "expires_at").
		Values(session.ID, session.Kind, session.SubjectID, session.CreatedAt.UTC(), session.ExpiresAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return core.Conflictf("session %s already exists", session.ID)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*model.UserSession, error) {
	query, args, err := s.sq.Select(sessionColumns).
		From("user_sessions").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var session model.UserSession
	if err := sqlscan.Get(ctx, s.db, &session, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("session not found")
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a session. Deleting a missing session is not an
// error; logout is idempotent.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	query, args, err := s.sq.Delete("user_sessions").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes every session whose expiry has elapsed and
// reports how many rows were reclaimed.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	query, args, err := s.sq.Delete("user_sessions").
		Where("expires_at <= ?", now.UTC()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted sessions: %w", err)
	}
	return n, nil
}
