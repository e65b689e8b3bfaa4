package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/store"
)

func openSession(t *testing.T, st *store.Store, ttl time.Duration) *model.UploadSession {
	t.Helper()
	now := time.Now().UTC()
	session := &model.UploadSession{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	require.NoError(t, st.CreateUploadSession(context.Background(), session))
	return session
}

func publishParams(session *model.UploadSession, owner core.ID, name, version, digest string) store.PublishParams {
	return store.PublishParams{
		SessionID:  session.ID,
		Name:       name,
		OwnerID:    owner,
		Version:    version,
		Pubspec:    model.JSONMap{"name": name, "version": version},
		ArchiveKey: "packages/" + name + "/" + version + "/" + digest + ".tar.gz",
		Digest:     digest,
	}
}

func TestStorePublishVersion(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	owner := seedUser(t, st)

	t.Run("Should commit package, version, and claimed session together", func(t *testing.T) {
		session := openSession(t, st, time.Hour)
		require.NoError(t, st.StageUploadArchive(ctx, session.ID, []byte("tarball")))

		res, err := st.PublishVersion(ctx, publishParams(session, owner.ID, "alpha", "1.0.0", "aaa111"))
		require.NoError(t, err)
		assert.False(t, res.AlreadyExisted)
		assert.Equal(t, "alpha", res.Package.Name)
		assert.Equal(t, owner.ID, res.Package.OwnerID)
		assert.False(t, res.Package.IsCached)
		assert.Equal(t, "1.0.0", res.Version.Version)
		assert.Equal(t, "aaa111", res.Version.Digest)

		claimed, err := st.GetUploadSession(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, claimed.Completed)
		assert.False(t, claimed.HasArchive(), "staged bytes are dropped on finalize")
	})

	t.Run("Should reuse the package row for subsequent versions", func(t *testing.T) {
		session := openSession(t, st, time.Hour)
		res, err := st.PublishVersion(ctx, publishParams(session, owner.ID, "alpha", "1.1.0", "bbb222"))
		require.NoError(t, err)

		pkg, err := st.GetPackage(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, pkg.ID, res.Version.PackageID)

		versions, err := st.ListVersions(ctx, pkg.ID)
		require.NoError(t, err)
		assert.Len(t, versions, 2)
	})

	t.Run("Should treat a republish with identical digest as a no-op", func(t *testing.T) {
		session := openSession(t, st, time.Hour)
		res, err := st.PublishVersion(ctx, publishParams(session, owner.ID, "alpha", "1.0.0", "AAA111"))
		require.NoError(t, err)
		assert.True(t, res.AlreadyExisted, "digest comparison ignores case")

		pkg, err := st.GetPackage(ctx, "alpha")
		require.NoError(t, err)
		n, err := st.CountVersions(ctx, pkg.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "no duplicate version row")
	})

	t.Run("Should reject a republish with differing digest and leave the session unclaimed", func(t *testing.T) {
		session := openSession(t, st, time.Hour)
		require.NoError(t, st.StageUploadArchive(ctx, session.ID, []byte("other bytes")))

		_, err := st.PublishVersion(ctx, publishParams(session, owner.ID, "alpha", "1.0.0", "ccc333"))
		require.Error(t, err)
		assert.Equal(t, core.CodeConflict, core.CodeOf(err))

		unclaimed, err := st.GetUploadSession(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, unclaimed.Completed, "failed publish rolls the claim back")
		assert.True(t, unclaimed.HasArchive(), "staged bytes survive the rollback")
	})

	t.Run("Should let exactly one finalize win a session", func(t *testing.T) {
		session := openSession(t, st, time.Hour)
		_, err := st.PublishVersion(ctx, publishParams(session, owner.ID, "beta", "1.0.0", "ddd444"))
		require.NoError(t, err)

		_, err = st.PublishVersion(ctx, publishParams(session, owner.ID, "beta", "1.0.0", "ddd444"))
		require.Error(t, err)
		assert.Equal(t, core.CodeConflict, core.CodeOf(err))
	})

	t.Run("Should treat an expired session as already reclaimed", func(t *testing.T) {
		session := openSession(t, st, -time.Minute)
		_, err := st.PublishVersion(ctx, publishParams(session, owner.ID, "gamma", "1.0.0", "eee555"))
		require.Error(t, err)
		assert.True(t, core.IsNotFound(err))
	})

	t.Run("Should report not found for an unknown session", func(t *testing.T) {
		ghost := &model.UploadSession{ID: uuid.NewString()}
		_, err := st.PublishVersion(ctx, publishParams(ghost, owner.ID, "gamma", "1.0.0", "eee555"))
		assert.True(t, core.IsNotFound(err))
	})
}

func TestStoreCachedVersions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	owner := seedUser(t, st)

	t.Run("Should record an upstream version under the anonymous owner", func(t *testing.T) {
		res, err := st.RecordCachedVersion(ctx, "http", "1.2.0", model.JSONMap{"name": "http"}, "packages/http/1.2.0/fff.tar.gz", "fff666")
		require.NoError(t, err)
		assert.True(t, res.Package.IsCached)
		assert.Equal(t, model.AnonymousUserID, res.Package.OwnerID)
	})

	t.Run("Should be idempotent for identical digests", func(t *testing.T) {
		res, err := st.RecordCachedVersion(ctx, "http", "1.2.0", model.JSONMap{"name": "http"}, "packages/http/1.2.0/fff.tar.gz", "fff666")
		require.NoError(t, err)
		assert.True(t, res.AlreadyExisted)
	})

	t.Run("Should promote a cache entry on first-party publish", func(t *testing.T) {
		session := openSession(t, st, time.Hour)
		res, err := st.PublishVersion(ctx, publishParams(session, owner.ID, "http", "2.0.0", "abc123"))
		require.NoError(t, err)
		assert.False(t, res.Package.IsCached)
		assert.Equal(t, owner.ID, res.Package.OwnerID)
	})

	t.Run("Should never demote a first-party package back to cache", func(t *testing.T) {
		_, err := st.RecordCachedVersion(ctx, "http", "2.1.0", model.JSONMap{"name": "http"}, "packages/http/2.1.0/ggg.tar.gz", "ggg777")
		require.NoError(t, err)

		pkg, err := st.GetPackage(ctx, "http")
		require.NoError(t, err)
		assert.False(t, pkg.IsCached)
		assert.Equal(t, owner.ID, pkg.OwnerID)
	})
}

func TestStoreUploadSessions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	t.Run("Should stage and restage archive bytes", func(t *testing.T) {
		session := openSession(t, st, time.Hour)
		require.NoError(t, st.StageUploadArchive(ctx, session.ID, []byte("first")))
		require.NoError(t, st.StageUploadArchive(ctx, session.ID, []byte("second")))

		got, err := st.GetUploadSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got.Archive)
	})

	t.Run("Should treat staging on an expired session as not found", func(t *testing.T) {
		session := openSession(t, st, -time.Minute)
		err := st.StageUploadArchive(ctx, session.ID, []byte("late"))
		require.Error(t, err)
		assert.True(t, core.IsNotFound(err))
	})

	t.Run("Should reject staging on an unknown session", func(t *testing.T) {
		err := st.StageUploadArchive(ctx, uuid.NewString(), []byte("lost"))
		assert.True(t, core.IsNotFound(err))
	})

	t.Run("Should sweep expired sessions and retain recent completed ones", func(t *testing.T) {
		now := time.Now().UTC()

		expired := openSession(t, st, -time.Hour)
		fresh := openSession(t, st, time.Hour)

		finished := openSession(t, st, time.Hour)
		owner := seedUser(t, st)
		_, err := st.PublishVersion(ctx, publishParams(finished, owner.ID, "swept", "1.0.0", "hhh888"))
		require.NoError(t, err)

		n, err := st.SweepUploadSessions(ctx, now, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		_, err = st.GetUploadSession(ctx, expired.ID)
		assert.True(t, core.IsNotFound(err), "expired session reclaimed")

		_, err = st.GetUploadSession(ctx, fresh.ID)
		assert.NoError(t, err, "live session survives")

		_, err = st.GetUploadSession(ctx, finished.ID)
		assert.NoError(t, err, "completed session inside retention survives")

		n, err = st.SweepUploadSessions(ctx, now, now.Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
		_, err = st.GetUploadSession(ctx, finished.ID)
		assert.True(t, core.IsNotFound(err), "completed session outside retention reclaimed")
	})
}
