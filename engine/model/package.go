package model

import (
	"database/sql"
	"regexp"
	"time"

	"github.com/pubkeep/pubkeep/engine/core"
)

// AnonymousUserID is the sentinel owner assigned to packages published
// without an owning account. The row is seeded by the initial migration.
const AnonymousUserID core.ID = "anonymous"

// packageNameRE matches pub package names: lowercase identifiers that may
// contain digits and underscores and never start with a digit.
var packageNameRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// MaxPackageNameLength bounds package names; pub.dev enforces 64.
const MaxPackageNameLength = 64

// ValidPackageName reports whether name satisfies the pub name grammar.
func ValidPackageName(name string) bool {
	return len(name) <= MaxPackageNameLength && packageNameRE.MatchString(name)
}

// Package is a named collection of published versions. Name is the sole
// identity; the surrogate ID exists for foreign keys only.
type Package struct {
	ID           core.ID        `db:"id"`
	Name         string         `db:"name"`
	OwnerID      core.ID        `db:"owner_id"`
	Discontinued bool           `db:"discontinued"`
	ReplacedBy   sql.NullString `db:"replaced_by"`
	IsCached     bool           `db:"is_cached"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// PackageVersion is one immutable published version of a package.
type PackageVersion struct {
	ID          core.ID   `db:"id"`
	PackageID   core.ID   `db:"package_id"`
	Version     string    `db:"version"`
	Pubspec     JSONMap   `db:"pubspec"`
	ArchiveKey  string    `db:"archive_key"`
	Digest      string    `db:"digest"`
	Retracted   bool      `db:"retracted"`
	PublishedAt time.Time `db:"published_at"`
}

// UploadSession is the server-side state of one publish attempt. Archive
// holds the staged bytes between upload and finalize so the engine keeps no
// process-local state; it is cleared when the session completes and
// reclaimed by the expiry sweep otherwise.
type UploadSession struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
	Completed bool      `db:"completed"`
	Archive   []byte    `db:"archive"`
}

// HasArchive reports whether bytes have been staged on the session.
func (s *UploadSession) HasArchive() bool { return len(s.Archive) > 0 }

// Expired reports whether the session TTL elapsed at the given instant.
func (s *UploadSession) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }
