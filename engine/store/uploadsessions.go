package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

const uploadSessionColumns = "id, created_at, expires_at, completed, archive"

// CreateUploadSession inserts a fresh publish session.
func (s *Store) CreateUploadSession(ctx context.Context, session *model.UploadSession) error {
	query, args, err := s.sq.Insert("upload_sessions").
		Columns("id", "created_at", "expires_at", "completed", "archive").
		Values(session.ID, session.CreatedAt.UTC(), session.ExpiresAt.UTC(), session.Completed, session.Archive).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return core.Conflictf("upload session %s already exists", session.ID)
		}
		return fmt.Errorf("inserting upload session: %w", err)
	}
	return nil
}

// GetUploadSession fetches a session by ID, staged archive included.
func (s *Store) GetUploadSession(ctx context.Context, id string) (*model.UploadSession, error) {
	query, args, err := s.sq.Select(uploadSessionColumns).
		From("upload_sessions").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var session model.UploadSession
	if err := sqlscan.Get(ctx, s.db, &session, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("upload session %s not found", id)
		}
		return nil, fmt.Errorf("querying upload session: %w", err)
	}
	return &session, nil
}

// StageUploadArchive stores the uploaded archive bytes on the session.
// Re-uploading replaces the staged bytes; a completed or expired session
// rejects the upload.
func (s *Store) StageUploadArchive(ctx context.Context, id string, archive []byte) error {
	now := s.now().UTC()
	query, args, err := s.sq.Update("upload_sessions").
		Set("archive", archive).
		Where("id = ?", id).
		Where("completed = ?", false).
		Where("expires_at > ?", now).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("staging archive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting staged sessions: %w", err)
	}
	if n == 1 {
		return nil
	}
	session, err := s.GetUploadSession(ctx, id)
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

// SweepUploadSessions reclaims stale sessions: expired ones that never
// finalized, and completed ones older than the retention cutoff. It
// reports how many rows were deleted.
func (s *Store) SweepUploadSessions(ctx context.Context, now, completedBefore time.Time) (int64, error) {
	query, args, err := s.sq.Delete("upload_sessions").
		Where(squirrel.Or{
			squirrel.And{squirrel.Eq{"completed": false}, squirrel.LtOrEq{"expires_at": now.UTC()}},
			squirrel.And{squirrel.Eq{"completed": true}, squirrel.LtOrEq{"created_at": completedBefore.UTC()}},
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sweeping upload sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting swept sessions: %w", err)
	}
	return n, nil
}

// getUploadSessionTx is GetUploadSession inside an open transaction.
func (s *Store) getUploadSessionTx(ctx context.Context, tx *sql.Tx, id string) (*model.UploadSession, error) {
	query, args, err := s.sq.Select(uploadSessionColumns).
		From("upload_sessions").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var session model.UploadSession
	if err := sqlscan.Get(ctx, tx, &session, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("upload session %s not found", id)
		}
		return nil, fmt.Errorf("querying upload session: %w", err)
	}
	return &session, nil
}
