// Package store is the metadata store: packages, versions, users, tokens,
// sessions, webhooks, activity log, and site settings over one SQL
// implementation shared by Postgres and SQLite. Everything engine-specific
// (placeholder format, constraint-error shapes, connection setup, migration
// sources) lives in a thin Dialect so query logic can never drift between
// backends.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
)

// Store executes all metadata queries through one *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	sq      squirrel.StatementBuilderType
	now     func() time.Time
}

// Option adjusts a Store at construction time.
type Option func(*Store)

// WithClock replaces the wall clock used for updated_at stamps and expiry
// comparisons.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an opened database handle with the matching dialect.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		sq:      squirrel.StatementBuilder.PlaceholderFormat(dialect.Placeholder()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies all pending schema migrations for the active dialect.
func (s *Store) Migrate(ctx context.Context) error {
	return s.dialect.Migrate(ctx, s.db)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// escapeLike neutralizes LIKE metacharacters in user-supplied search text.
// Queries using it must carry ESCAPE '\'.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// utcNull normalizes a nullable timestamp to UTC before it is written.
// SQLite stores timestamps as text, so comparisons only stay sound when
// every stored value carries the same zone.
func utcNull(t sql.NullTime) sql.NullTime {
	if !t.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.Time.UTC(), Valid: true}
}
