package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pubkeep/pubkeep/engine/core"
)

// SQLiteConfig carries the database location. ":memory:" opens a private
// in-memory database, used by tests.
type SQLiteConfig struct {
	Path string
}

// DSN renders the modernc driver connection string with the pragmas every
// connection needs: WAL for concurrent readers, foreign keys for cascade
// semantics, and a busy timeout instead of immediate SQLITE_BUSY failures.
func (c SQLiteConfig) DSN() string {
	if c.Path == ":memory:" {
		return "file::memory:?cache=shared&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	}
	return "file:" + c.Path +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
}

// OpenSQLite opens the database file, creating it on first use.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*sql.DB, Dialect, error) {
	if cfg.Path == "" {
		return nil, nil, core.Invalidf("sqlite requires a database path")
	}
	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, nil, core.Backendf(err, "opening sqlite at %s", cfg.Path)
	}
	// SQLite allows one writer; a single pooled connection sidesteps
	// write contention entirely and keeps shared-cache memory databases
	// coherent.
	db.SetMaxOpenConns(1)
	if err := pingWithRetry(ctx, db); err != nil {
		db.Close()
		return nil, nil, core.Backendf(err, "connecting to sqlite at %s", cfg.Path)
	}
	return db, sqliteDialect{}, nil
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder() squirrel.PlaceholderFormat { return squirrel.Question }

// IsUniqueViolation matches SQLITE_CONSTRAINT_UNIQUE and
// SQLITE_CONSTRAINT_PRIMARYKEY from the modernc driver.
func (sqliteDialect) IsUniqueViolation(err error) bool {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	code := sqErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (sqliteDialect) Migrate(ctx context.Context, db *sql.DB) error {
	if err := runMigrations(ctx, db, "sqlite3", "migrations/sqlite"); err != nil {
		return fmt.Errorf("applying sqlite migrations: %w", err)
	}
	return nil
}
