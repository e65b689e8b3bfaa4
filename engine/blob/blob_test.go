package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubkeep/pubkeep/engine/core"
)

func TestArchiveKey(t *testing.T) {
	t.Run("Should derive the documented layout", func(t *testing.T) {
		key := ArchiveKey("http", "1.2.3", "abc123")
		assert.Equal(t, "packages/http/1.2.3/abc123.tar.gz", key)
	})
	t.Run("Should be deterministic", func(t *testing.T) {
		assert.Equal(t,
			ArchiveKey("yaml", "0.1.0", "deadbeef"),
			ArchiveKey("yaml", "0.1.0", "deadbeef"))
	})
	t.Run("Should lowercase the digest", func(t *testing.T) {
		key := ArchiveKey("http", "1.0.0", "DEADBEEF")
		assert.Equal(t, "packages/http/1.0.0/deadbeef.tar.gz", key)
	})
}

func newTestFS(t *testing.T) *FSStore {
	t.Helper()
	store := NewFSStore(t.TempDir(), "https://pub.example.com")
	require.NoError(t, store.EnsureReady(context.Background()))
	return store
}

func TestFSStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Should round-trip bytes exactly", func(t *testing.T) {
		store := newTestFS(t)
		key := ArchiveKey("http", "1.0.0", "aa11")
		payload := []byte("tarball bytes")
		require.NoError(t, store.Put(ctx, key, payload, ContentTypeGzip))
		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})
	t.Run("Should report absence as not_found on Get", func(t *testing.T) {
		store := newTestFS(t)
		_, err := store.Get(ctx, "packages/ghost/1.0.0/00.tar.gz")
		require.Error(t, err)
		assert.True(t, core.IsNotFound(err))
	})
	t.Run("Should distinguish absence from presence in Exists", func(t *testing.T) {
		store := newTestFS(t)
		key := ArchiveKey("http", "1.0.0", "bb22")
		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, store.Put(ctx, key, []byte("x"), ContentTypeGzip))
		ok, err = store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("Should overwrite an existing key atomically", func(t *testing.T) {
		store := newTestFS(t)
		key := ArchiveKey("http", "1.0.0", "cc33")
		require.NoError(t, store.Put(ctx, key, []byte("first"), ContentTypeGzip))
		require.NoError(t, store.Put(ctx, key, []byte("second"), ContentTypeGzip))
		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)
	})
	t.Run("Should leave no temp files behind", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFSStore(dir, "https://pub.example.com")
		require.NoError(t, store.EnsureReady(ctx))
		require.NoError(t, store.Put(ctx, ArchiveKey("http", "1.0.0", "dd44"), []byte("x"), ContentTypeGzip))
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".upload-")
		}
	})
	t.Run("Should tolerate deleting a missing key", func(t *testing.T) {
		store := newTestFS(t)
		require.NoError(t, store.Delete(ctx, "packages/ghost/1.0.0/00.tar.gz"))
	})
	t.Run("Should delete stored objects", func(t *testing.T) {
		store := newTestFS(t)
		key := ArchiveKey("http", "1.0.0", "ee55")
		require.NoError(t, store.Put(ctx, key, []byte("x"), ContentTypeGzip))
		require.NoError(t, store.Delete(ctx, key))
		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("Should reject keys escaping the root", func(t *testing.T) {
		store := newTestFS(t)
		for _, key := range []string{"../outside", "packages/../../etc/passwd", "/abs/path", ""} {
			err := store.Put(ctx, key, []byte("x"), ContentTypeGzip)
			require.Error(t, err, "key %q", key)
			assert.Equal(t, core.CodeInvalid, core.CodeOf(err))
		}
	})
	t.Run("Should build download URLs on the server endpoint", func(t *testing.T) {
		store := newTestFS(t)
		u, err := store.DownloadURL(ctx, ArchiveKey("http", "1.0.0+build", "ff66"))
		require.NoError(t, err)
		assert.Equal(t, "https://pub.example.com/archives/packages/http/1.0.0+build/ff66.tar.gz", u)
	})
	t.Run("Should nest objects under the key path", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFSStore(dir, "https://pub.example.com")
		require.NoError(t, store.EnsureReady(ctx))
		key := ArchiveKey("http", "1.0.0", "aa77")
		require.NoError(t, store.Put(ctx, key, []byte("x"), ContentTypeGzip))
		_, err := os.Stat(filepath.Join(dir, "packages", "http", "1.0.0", "aa77.tar.gz"))
		require.NoError(t, err)
	})
}
