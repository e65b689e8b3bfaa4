package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	// Register the pgx stdlib driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/pkg/logger"
)

// PostgresConfig carries connection parameters. A non-empty ConnString wins
// over the individual fields.
type PostgresConfig struct {
	ConnString string
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string
}

// DSN renders the effective connection string.
func (c PostgresConfig) DSN() string {
	if c.ConnString != "" {
		return c.ConnString
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host + ":" + c.Port,
		Path:   "/" + c.DBName,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenPostgres opens a pooled connection and verifies it with bounded
// exponential backoff, retrying only here at startup; per-request failures
// later surface directly.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, Dialect, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, nil, core.Backendf(err, "opening postgres")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := pingWithRetry(ctx, db); err != nil {
		db.Close()
		return nil, nil, core.Backendf(err, "connecting to postgres")
	}
	return db, postgresDialect{}, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB) error {
	log := logger.FromContext(ctx)
	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			log.Warn("database not reachable yet, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder() squirrel.PlaceholderFormat { return squirrel.Dollar }

// IsUniqueViolation matches SQLSTATE 23505 (unique_violation).
func (postgresDialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (postgresDialect) Migrate(ctx context.Context, db *sql.DB) error {
	if err := runMigrations(ctx, db, "postgres", "migrations/postgres"); err != nil {
		return fmt.Errorf("applying postgres migrations: %w", err)
	}
	return nil
}
