package store

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

// AppendActivity writes one audit record. The log is append-only; nothing
// in the engine updates or deletes entries.
func (s *Store) AppendActivity(ctx context.Context, entry *model.ActivityEntry) error {
	query, args, err := s.sq.Insert("activity_log").
		Columns("id", "actor_id", "action", "subject", "detail", "created_at").
		Values(entry.ID, entry.ActorID, entry.Action, entry.Subject, entry.Detail, entry.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting activity entry: %w", err)
	}
	return nil
}

// ListActivity returns audit records, newest first.
func (s *Store) ListActivity(ctx context.Context, page core.Page) ([]*model.ActivityEntry, error) {
	page = page.Normalize()
	query, args, err := s.sq.Select("id, actor_id, action, subject, detail, created_at").
		From("activity_log").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var entries []*model.ActivityEntry
	if err := sqlscan.Select(ctx, s.db, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("querying activity log: %w", err)
	}
	return entries, nil
}
