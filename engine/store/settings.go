package store

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

// GetSetting fetches one site configuration row.
func (s *Store) GetSetting(ctx context.Context, key string) (*model.Setting, error) {
	query, args, err := s.sq.Select("key, value, updated_at").
		From("settings").
		Where("key = ?", key).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var setting model.Setting
	if err := sqlscan.Get(ctx, s.db, &setting, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, core.NotFoundf("setting %q not found", key)
		}
		return nil, fmt.Errorf("querying setting: %w", err)
	}
	return &setting, nil
}

// SetSetting writes one site configuration row, creating or replacing it.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	now := s.now().UTC()
	query, args, err := s.sq.Insert("settings").
		Columns("key", "value", "updated_at").
		Values(key, value, now).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting setting: %w", err)
	}
	return nil
}
