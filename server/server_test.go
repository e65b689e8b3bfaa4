package server_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubkeep/pubkeep/engine/auth"
	"github.com/pubkeep/pubkeep/engine/blob"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/packages"
	"github.com/pubkeep/pubkeep/engine/publish"
	"github.com/pubkeep/pubkeep/engine/store"
	"github.com/pubkeep/pubkeep/engine/webhook"
	"github.com/pubkeep/pubkeep/pkg/config"
	"github.com/pubkeep/pubkeep/pkg/logger"
	"github.com/pubkeep/pubkeep/server"
)

type fixture struct {
	ts      *httptest.Server
	store   *store.Store
	authSvc *auth.Service
	owner   *model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := store.OpenSQLite(ctx, store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "pubkeep.db")})
	require.NoError(t, err)
	st := store.New(db, dialect)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	cfg := config.Default()
	blobs := blob.NewFSStore(t.TempDir(), cfg.Server.BaseURL)
	require.NoError(t, blobs.EnsureReady(ctx))
	cacheBlobs := blob.NewFSStore(t.TempDir(), cfg.Server.BaseURL)
	require.NoError(t, cacheBlobs.EnsureReady(ctx))

	events := webhook.NopEmitter{}
	authSvc := auth.NewService(st, events)
	srv := server.New(server.Deps{
		Config:     cfg,
		Auth:       authSvc,
		Publish:    publish.NewService(st, blobs, events, publish.Config{}),
		Packages:   packages.NewService(st, blobs, events),
		Blobs:      blobs,
		CacheBlobs: cacheBlobs,
	}, logger.NewForTests())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	user, err := authSvc.RegisterUser(ctx, "owner@example.com", "correct horse battery")
	require.NoError(t, err)
	return &fixture{ts: ts, store: st, authSvc: authSvc, owner: user}
}

func (f *fixture) mint(t *testing.T, scopes ...string) string {
	t.Helper()
	plaintext, _, err := f.authSvc.MintToken(context.Background(), f.owner.ID, "test token", model.NewStringSet(scopes...), nil)
	require.NoError(t, err)
	return plaintext
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func packageArchive(t *testing.T, name, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	pubspec := fmt.Sprintf("name: %s\nversion: %s\n", name, version)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "pubspec.yaml", Mode: 0o644, Size: int64(len(pubspec))}))
	_, err := tw.Write([]byte(pubspec))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// publishOver drives the wire-level publish protocol and returns the final
// response.
func (f *fixture) publishOver(t *testing.T, token string, archive []byte) *http.Response {
	t.Helper()
	resp := f.do(t, http.MethodGet, "/api/packages/versions/new", token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	init := decodeJSON(t, resp)
	uploadURL, _ := init["url"].(string)
	require.NotEmpty(t, uploadURL)
	assert.Equal(t, map[string]any{}, init["fields"])

	// The advertised URL is rooted at the configured base; tests talk to
	// the httptest listener instead.
	path := uploadURL[len("http://localhost:8080"):]
	resp = f.do(t, http.MethodPost, path, token, bytes.NewReader(archive), "application/octet-stream")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	location := resp.Header.Get("Location")
	require.NotEmpty(t, location)

	path = location[len("http://localhost:8080"):]
	return f.do(t, http.MethodGet, path, token, nil, "")
}

func TestPublishProtocol(t *testing.T) {
	t.Run("Should publish and serve the package document", func(t *testing.T) {
		f := newFixture(t)
		token := f.mint(t, "publish:pkg:my_pkg")
		archive := packageArchive(t, "my_pkg", "1.0.0")

		resp := f.publishOver(t, token, archive)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeJSON(t, resp)
		success, _ := body["success"].(map[string]any)
		require.NotNil(t, success)
		assert.Contains(t, success["message"], "my_pkg")

		resp = f.do(t, http.MethodGet, "/api/packages/my_pkg", "", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		doc := decodeJSON(t, resp)
		assert.Equal(t, "my_pkg", doc["name"])
		latest, _ := doc["latest"].(map[string]any)
		require.NotNil(t, latest)
		assert.Equal(t, "1.0.0", latest["version"])

		// Archive download round trip through the advertised URL.
		archiveURL, _ := latest["archive_url"].(string)
		require.NotEmpty(t, archiveURL)
		path := archiveURL[len("http://localhost:8080"):]
		resp = f.do(t, http.MethodGet, path, "", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, archive, data)
	})

	t.Run("Should answer 401 with the bearer challenge when no token is sent", func(t *testing.T) {
		f := newFixture(t)
		resp := f.do(t, http.MethodGet, "/api/packages/versions/new", "", nil, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, `Bearer realm="pub"`, resp.Header.Get("WWW-Authenticate"))
		body := decodeJSON(t, resp)
		errObj, _ := body["error"].(map[string]any)
		require.NotNil(t, errObj)
		assert.Equal(t, "unauthorized", errObj["code"])
	})

	t.Run("Should answer 403 when the manifest names a package outside the token scope", func(t *testing.T) {
		f := newFixture(t)
		token := f.mint(t, "publish:pkg:foo")
		resp := f.publishOver(t, token, packageArchive(t, "bar", "1.0.0"))
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		body := decodeJSON(t, resp)
		errObj, _ := body["error"].(map[string]any)
		require.NotNil(t, errObj)
		assert.Equal(t, "forbidden", errObj["code"])
	})

	t.Run("Should answer 400 for a malformed archive", func(t *testing.T) {
		f := newFixture(t)
		token := f.mint(t, "publish:all")
		resp := f.do(t, http.MethodGet, "/api/packages/versions/new", token, nil, "")
		init := decodeJSON(t, resp)
		uploadURL, _ := init["url"].(string)
		path := uploadURL[len("http://localhost:8080"):]

		resp = f.do(t, http.MethodPost, path, token, bytes.NewReader([]byte("junk")), "application/octet-stream")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeJSON(t, resp)
		errObj, _ := body["error"].(map[string]any)
		require.NotNil(t, errObj)
		assert.Equal(t, "invalid", errObj["code"])
	})

	t.Run("Should answer 404 for an unknown package", func(t *testing.T) {
		f := newFixture(t)
		resp := f.do(t, http.MethodGet, "/api/packages/ghost", "", nil, "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Should reject an invalid bearer token", func(t *testing.T) {
		f := newFixture(t)
		resp := f.do(t, http.MethodGet, "/api/packages/versions/new", "pk_definitely_not_a_real_token_value", nil, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestListingEndpoints(t *testing.T) {
	t.Run("Should list and search published packages", func(t *testing.T) {
		f := newFixture(t)
		token := f.mint(t, "publish:all")
		for _, name := range []string{"alpha_tools", "beta_tools", "gamma_lib"} {
			resp := f.publishOver(t, token, packageArchive(t, name, "1.0.0"))
			require.Equal(t, http.StatusOK, resp.StatusCode)
		}

		resp := f.do(t, http.MethodGet, "/api/packages", "", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeJSON(t, resp)
		assert.EqualValues(t, 3, body["total"])

		resp = f.do(t, http.MethodGet, "/api/packages?q=tools", "", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body = decodeJSON(t, resp)
		names, _ := body["packages"].([]any)
		assert.Len(t, names, 2)
	})
}

func TestFinalizeTwice(t *testing.T) {
	t.Run("Should answer 409 when a completed session is finalized again", func(t *testing.T) {
		f := newFixture(t)
		token := f.mint(t, "publish:all")
		archive := packageArchive(t, "dup_pkg", "1.0.0")

		resp := f.do(t, http.MethodGet, "/api/packages/versions/new", token, nil, "")
		init := decodeJSON(t, resp)
		uploadURL, _ := init["url"].(string)
		path := uploadURL[len("http://localhost:8080"):]
		resp = f.do(t, http.MethodPost, path, token, bytes.NewReader(archive), "application/octet-stream")
		finalizePath := resp.Header.Get("Location")[len("http://localhost:8080"):]

		resp = f.do(t, http.MethodGet, finalizePath, token, nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp = f.do(t, http.MethodGet, finalizePath, token, nil, "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		body := decodeJSON(t, resp)
		errObj, _ := body["error"].(map[string]any)
		require.NotNil(t, errObj)
		assert.Equal(t, string(core.CodeConflict), errObj["code"])
	})
}
