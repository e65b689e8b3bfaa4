package store

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
)

// Dialect is everything that legitimately differs between the two relational
// engines: parameter binding, constraint-error shapes, and migration
// sources. Query logic itself is shared and lives in Store.
type Dialect interface {
	// Name identifies the engine: "postgres" or "sqlite".
	Name() string
	// Placeholder is the squirrel placeholder format for the engine.
	Placeholder() squirrel.PlaceholderFormat
	// IsUniqueViolation reports whether err is the engine's unique- or
	// primary-key-constraint violation, normalized here so it never leaks
	// upward in backend shape.
	IsUniqueViolation(err error) bool
	// Migrate applies all pending embedded migrations.
	Migrate(ctx context.Context, db *sql.DB) error
}

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// goose keeps dialect and filesystem as package state; serialize access so
// the two dialects cannot interleave during parallel boots in tests.
var gooseMu sync.Mutex

func runMigrations(ctx context.Context, db *sql.DB, gooseDialect, dir string) error {
	gooseMu.Lock()
	defer func() {
		goose.SetBaseFS(nil)
		gooseMu.Unlock()
	}()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}
