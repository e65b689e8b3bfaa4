package model

import (
	"database/sql"
	"time"

	"github.com/pubkeep/pubkeep/engine/core"
)

// AuthToken is a bearer credential. Only the SHA-256 hash of the secret is
// stored; the plaintext is shown once at mint time.
type AuthToken struct {
	ID        core.ID      `db:"id"`
	UserID    core.ID      `db:"user_id"`
	Name      string       `db:"name"`
	Hash      []byte       `db:"hash"`
	Scopes    StringSet    `db:"scopes"`
	ExpiresAt sql.NullTime `db:"expires_at"`
	LastUsed  sql.NullTime `db:"last_used"`
	CreatedAt time.Time    `db:"created_at"`
}

// ExpiredAt reports whether the token expiry elapsed at the given instant.
// Tokens without an expiry never expire.
func (t *AuthToken) ExpiredAt(now time.Time) bool {
	return t.ExpiresAt.Valid && !now.Before(t.ExpiresAt.Time)
}

// User is a registry account that can own packages and mint tokens.
type User struct {
	ID           core.ID   `db:"id"`
	Email        string    `db:"email"`
	PasswordHash []byte    `db:"password_hash"`
	Active       bool      `db:"active"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// AdminUser is a management-plane account, kept separate from registry
// users so admin credentials never double as publish credentials.
type AdminUser struct {
	ID           core.ID   `db:"id"`
	Username     string    `db:"username"`
	PasswordHash []byte    `db:"password_hash"`
	Active       bool      `db:"active"`
	CreatedAt    time.Time `db:"created_at"`
}

// SessionKind discriminates browser-session subjects.
type SessionKind string

const (
	SessionKindUser  SessionKind = "user"
	SessionKindAdmin SessionKind = "admin"
)

// UserSession is a browser session for a user or admin subject. The two
// kinds carry independent TTLs.
type UserSession struct {
	ID        string      `db:"id"`
	Kind      SessionKind `db:"kind"`
	SubjectID core.ID     `db:"subject_id"`
	CreatedAt time.Time   `db:"created_at"`
	ExpiresAt time.Time   `db:"expires_at"`
}

// Expired reports whether the session TTL elapsed at the given instant.
func (s *UserSession) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }
