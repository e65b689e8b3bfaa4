// Package blob stores package archives behind a backend-neutral interface
// with filesystem and S3-compatible implementations, plus the migration tool
// that moves archives between two stores. Keys are content-addressed so
// storage stays idempotent and self-verifying.
package blob

import (
	"context"
	"fmt"
	"strings"
)

// ContentTypeGzip is the content type every archive is stored and served
// with.
const ContentTypeGzip = "application/gzip"

// ArchiveKey derives the storage key for a package archive from its
// coordinates and sha-256 content digest. The derivation is pure: identical
// inputs always address the same object, and the digest embedded in the key
// lets any reader verify what it fetched.
func ArchiveKey(name, version, digest string) string {
	return fmt.Sprintf("packages/%s/%s/%s.tar.gz", name, version, strings.ToLower(digest))
}

// Store is the capability set callers get from any archive backend. Exists
// distinguishes definitive absence (false, nil) from backend trouble, which
// always surfaces as an error instead of being folded into false.
type Store interface {
	// EnsureReady bootstraps the backing bucket or directory. Idempotent.
	EnsureReady(ctx context.Context) error
	// Put stores data under key, overwriting any previous object.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns the full object. Absent keys report not_found.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether the key holds an object.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DownloadURL returns a URL a client can fetch the object from: a
	// time-limited signed link on object storage, a server endpoint on
	// filesystem backends.
	DownloadURL(ctx context.Context, key string) (string, error)
}
