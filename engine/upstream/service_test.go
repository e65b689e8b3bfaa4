package upstream_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubkeep/pubkeep/engine/blob"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/store"
	"github.com/pubkeep/pubkeep/engine/upstream"
	"github.com/pubkeep/pubkeep/engine/webhook"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (c *captureEmitter) Emit(_ context.Context, event webhook.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// fakeUpstream is a minimal remote registry serving one package with one
// version.
type fakeUpstream struct {
	server     *httptest.Server
	archive    []byte
	digest     string
	docFetches atomic.Int64
	badDigest  bool
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{archive: []byte("upstream archive bytes")}
	sum := sha256.Sum256(f.archive)
	f.digest = hex.EncodeToString(sum[:])

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/packages/remote_pkg", func(w http.ResponseWriter, _ *http.Request) {
		f.docFetches.Add(1)
		digest := f.digest
		if f.badDigest {
			digest = "0000000000000000000000000000000000000000000000000000000000000000"
		}
		doc := map[string]any{
			"name": "remote_pkg",
			"versions": []map[string]any{{
				"version":        "2.0.0",
				"pubspec":        map[string]any{"name": "remote_pkg", "version": "2.0.0"},
				"archive_url":    f.server.URL + "/archives/remote_pkg-2.0.0.tar.gz",
				"archive_sha256": digest,
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	})
	mux.HandleFunc("GET /archives/remote_pkg-2.0.0.tar.gz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(f.archive)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

type fixture struct {
	store   *store.Store
	cache   blob.Store
	emitter *captureEmitter
	remote  *fakeUpstream
	service *upstream.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := store.OpenSQLite(ctx, store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "pubkeep.db")})
	require.NoError(t, err)
	st := store.New(db, dialect)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	cache := blob.NewFSStore(t.TempDir(), "http://registry.test")
	require.NoError(t, cache.EnsureReady(ctx))

	remote := newFakeUpstream(t)
	emitter := &captureEmitter{}
	svc, err := upstream.NewService(st, cache, emitter, upstream.Config{
		URL:    remote.server.URL,
		DocTTL: time.Minute,
	})
	require.NoError(t, err)
	return &fixture{store: st, cache: cache, emitter: emitter, remote: remote, service: svc}
}

func TestServicePackageDoc(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fetch once and serve repeats from memory", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 3; i++ {
			doc, err := f.service.PackageDoc(ctx, "remote_pkg")
			require.NoError(t, err)
			assert.Equal(t, "remote_pkg", doc.Name)
			require.Len(t, doc.Versions, 1)
		}
		assert.EqualValues(t, 1, f.remote.docFetches.Load())
	})

	t.Run("Should report not_found for a package upstream does not have", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.PackageDoc(ctx, "missing_pkg")
		assert.True(t, core.IsNotFound(err))
	})
}

func TestServiceEnsureArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("Should download, store, and record the cached version", func(t *testing.T) {
		f := newFixture(t)
		ver, err := f.service.EnsureArchive(ctx, "remote_pkg", "2.0.0")
		require.NoError(t, err)
		assert.Equal(t, f.remote.digest, ver.Digest)
		assert.Equal(t, blob.ArchiveKey("remote_pkg", "2.0.0", f.remote.digest), ver.ArchiveKey)

		data, err := f.cache.Get(ctx, ver.ArchiveKey)
		require.NoError(t, err)
		assert.Equal(t, f.remote.archive, data)

		pkg, err := f.store.GetPackage(ctx, "remote_pkg")
		require.NoError(t, err)
		assert.True(t, pkg.IsCached)
		assert.Equal(t, model.AnonymousUserID, pkg.OwnerID)
	})

	t.Run("Should serve a second request from the cache without refetching", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.service.EnsureArchive(ctx, "remote_pkg", "2.0.0")
		require.NoError(t, err)
		fetchesAfterFirst := f.remote.docFetches.Load()

		second, err := f.service.EnsureArchive(ctx, "remote_pkg", "2.0.0")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, fetchesAfterFirst, f.remote.docFetches.Load())
	})

	t.Run("Should reject an archive that does not match the advertised digest", func(t *testing.T) {
		f := newFixture(t)
		f.remote.badDigest = true
		_, err := f.service.EnsureArchive(ctx, "remote_pkg", "2.0.0")
		require.Error(t, err)
		assert.True(t, core.HasCode(err, core.CodeBackend))
	})

	t.Run("Should refuse to mirror a first-party package", func(t *testing.T) {
		f := newFixture(t)
		seedFirstParty(t, f.store, "remote_pkg")
		_, err := f.service.EnsureArchive(ctx, "remote_pkg", "2.0.0")
		assert.True(t, core.IsConflict(err))
	})

	t.Run("Should report not_found for an unknown version", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.EnsureArchive(ctx, "remote_pkg", "9.9.9")
		assert.True(t, core.IsNotFound(err))
	})
}

func TestServiceClearCache(t *testing.T) {
	ctx := context.Background()

	t.Run("Should remove cached rows and blobs and emit cache.cleared", func(t *testing.T) {
		f := newFixture(t)
		ver, err := f.service.EnsureArchive(ctx, "remote_pkg", "2.0.0")
		require.NoError(t, err)

		report, err := f.service.ClearCache(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.ArchiveKeys)
		assert.Equal(t, 1, report.BlobsDeleted)
		assert.Empty(t, report.BlobFailures)

		_, err = f.store.GetPackage(ctx, "remote_pkg")
		assert.True(t, core.IsNotFound(err))
		ok, err := f.cache.Exists(ctx, ver.ArchiveKey)
		require.NoError(t, err)
		assert.False(t, ok)

		require.Len(t, f.emitter.events, 1)
		assert.Equal(t, webhook.EventCacheCleared, f.emitter.events[0].Type)
	})

	t.Run("Should leave first-party packages untouched", func(t *testing.T) {
		f := newFixture(t)
		seedFirstParty(t, f.store, "local_pkg")
		_, err := f.service.EnsureArchive(ctx, "remote_pkg", "2.0.0")
		require.NoError(t, err)

		_, err = f.service.ClearCache(ctx)
		require.NoError(t, err)

		pkg, err := f.store.GetPackage(ctx, "local_pkg")
		require.NoError(t, err)
		assert.False(t, pkg.IsCached)
	})
}

// seedFirstParty publishes one first-party version straight through the
// store.
func seedFirstParty(t *testing.T, st *store.Store, name string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	owner := &model.User{
		ID:           core.MustNewID(),
		Email:        fmt.Sprintf("%s@example.com", name),
		PasswordHash: []byte("hash"),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, st.CreateUser(ctx, owner))
	session := &model.UploadSession{ID: uuid.NewString(), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, st.CreateUploadSession(ctx, session))
	_, err := st.PublishVersion(ctx, store.PublishParams{
		SessionID:  session.ID,
		Name:       name,
		OwnerID:    owner.ID,
		Version:    "1.0.0",
		Pubspec:    model.JSONMap{"name": name, "version": "1.0.0"},
		ArchiveKey: blob.ArchiveKey(name, "1.0.0", "abc"),
		Digest:     "abc",
	})
	require.NoError(t, err)
}
