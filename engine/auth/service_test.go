package auth

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/webhook"
)

type memStore struct {
	mu       sync.Mutex
	tokens   map[core.ID]*model.AuthToken
	users    map[core.ID]*model.User
	admins   map[core.ID]*model.AdminUser
	sessions map[string]*model.UserSession
}

func newMemStore() *memStore {
	return &memStore{
		tokens:   make(map[core.ID]*model.AuthToken),
		users:    make(map[core.ID]*model.User),
		admins:   make(map[core.ID]*model.AdminUser),
		sessions: make(map[string]*model.UserSession),
	}
}

func (m *memStore) CreateToken(_ context.Context, token *model.AuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *memStore) GetTokenByHash(_ context.Context, hash []byte) (*model.AuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if bytes.Equal(t.Hash, hash) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, core.NotFoundf("token not found")
}

func (m *memStore) TouchToken(_ context.Context, id core.ID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return core.NotFoundf("token not found")
	}
	t.LastUsed.Time, t.LastUsed.Valid = now, true
	return nil
}

func (m *memStore) ListTokensByUser(_ context.Context, userID core.ID) ([]*model.AuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AuthToken
	for _, t := range m.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) DeleteToken(_ context.Context, id core.ID, userID core.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.UserID != userID {
		return core.NotFoundf("token not found")
	}
	delete(m.tokens, id)
	return nil
}

func (m *memStore) CreateUser(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return core.Conflictf("email taken")
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, id core.ID) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, core.NotFoundf("user not found")
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, core.NotFoundf("user not found")
}

func (m *memStore) CreateAdmin(_ context.Context, admin *model.AdminUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admins {
		if a.Username == admin.Username {
			return core.Conflictf("username taken")
		}
	}
	cp := *admin
	m.admins[admin.ID] = &cp
	return nil
}

func (m *memStore) GetAdminByUsername(_ context.Context, username string) (*model.AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admins {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, core.NotFoundf("admin not found")
}

func (m *memStore) CreateSession(_ context.Context, session *model.UserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*model.UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.NotFoundf("session not found")
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return core.NotFoundf("session not found")
	}
	delete(m.sessions, id)
	return nil
}

func (m *memStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (r *recordingEmitter) Emit(_ context.Context, event webhook.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) all() []webhook.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhook.Event(nil), r.events...)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestServiceMintToken(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	svc := NewService(store, nil, WithClock(fixedClock(base)))
	userID := core.MustNewID()

	t.Run("Should return plaintext once and store only the hash", func(t *testing.T) {
		plaintext, token, err := svc.MintToken(ctx, userID, "ci", model.StringSet{"publish:pkg:http"}, nil)
		require.NoError(t, err)
		assert.True(t, WellFormedToken(plaintext))
		assert.Equal(t, HashToken(plaintext), token.Hash)
		assert.NotContains(t, string(token.Hash), plaintext)
		assert.Equal(t, base, token.CreatedAt)
		assert.False(t, token.ExpiresAt.Valid)
	})
	t.Run("Should reject invalid scopes", func(t *testing.T) {
		_, _, err := svc.MintToken(ctx, userID, "bad", model.StringSet{"write:everything"}, nil)
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalid, core.CodeOf(err))
	})
	t.Run("Should reject empty names", func(t *testing.T) {
		_, _, err := svc.MintToken(ctx, userID, "  ", model.StringSet{"read:all"}, nil)
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalid, core.CodeOf(err))
	})
	t.Run("Should reject expiry in the past", func(t *testing.T) {
		past := base.Add(-time.Hour)
		_, _, err := svc.MintToken(ctx, userID, "stale", model.StringSet{"read:all"}, &past)
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalid, core.CodeOf(err))
	})
}

func TestServiceValidateToken(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	svc := NewService(store, nil, WithClock(fixedClock(base)))
	userID := core.MustNewID()
	plaintext, minted, err := svc.MintToken(ctx, userID, "ci", model.StringSet{"publish:all"}, nil)
	require.NoError(t, err)

	t.Run("Should resolve a valid token and bump last_used", func(t *testing.T) {
		token, err := svc.ValidateToken(ctx, plaintext)
		require.NoError(t, err)
		assert.Equal(t, minted.ID, token.ID)
		stored := store.tokens[minted.ID]
		assert.True(t, stored.LastUsed.Valid)
		assert.Equal(t, base, stored.LastUsed.Time)
	})
	t.Run("Should reject malformed credentials", func(t *testing.T) {
		_, err := svc.ValidateToken(ctx, "not-a-token")
		require.Error(t, err)
		assert.Equal(t, core.CodeUnauthorized, core.CodeOf(err))
	})
	t.Run("Should reject unknown tokens", func(t *testing.T) {
		_, err := svc.ValidateToken(ctx, "pk_doesnotexist")
		require.Error(t, err)
		assert.Equal(t, core.CodeUnauthorized, core.CodeOf(err))
	})
	t.Run("Should reject expired tokens", func(t *testing.T) {
		expiry := base.Add(time.Hour)
		shortLived, _, err := svc.MintToken(ctx, userID, "short", model.StringSet{"read:all"}, &expiry)
		require.NoError(t, err)
		later := NewService(store, nil, WithClock(fixedClock(base.Add(2*time.Hour))))
		_, err = later.ValidateToken(ctx, shortLived)
		require.Error(t, err)
		assert.Equal(t, core.CodeUnauthorized, core.CodeOf(err))
	})
}

func TestServiceAuthorize(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	token := &model.AuthToken{Scopes: model.StringSet{"publish:pkg:http"}}

	t.Run("Should pass when scopes grant the capability", func(t *testing.T) {
		require.NoError(t, svc.Authorize(token, "publish:pkg:http"))
	})
	t.Run("Should return forbidden when scopes do not grant it", func(t *testing.T) {
		err := svc.Authorize(token, "publish:pkg:yaml")
		require.Error(t, err)
		assert.Equal(t, core.CodeForbidden, core.CodeOf(err))
	})
	t.Run("Should return unauthorized for a nil token", func(t *testing.T) {
		err := svc.Authorize(nil, "read:http")
		require.Error(t, err)
		assert.Equal(t, core.CodeUnauthorized, core.CodeOf(err))
	})
}

func TestServiceTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := NewService(store, nil)
	owner := core.MustNewID()
	other := core.MustNewID()
	_, token, err := svc.MintToken(ctx, owner, "ci", model.StringSet{"read:all"}, nil)
	require.NoError(t, err)

	t.Run("Should list a user's tokens", func(t *testing.T) {
		tokens, err := svc.ListTokens(ctx, owner)
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Equal(t, token.ID, tokens[0].ID)
	})
	t.Run("Should refuse to revoke another user's token", func(t *testing.T) {
		err := svc.RevokeToken(ctx, other, token.ID)
		require.Error(t, err)
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
	})
	t.Run("Should revoke the owner's token", func(t *testing.T) {
		require.NoError(t, svc.RevokeToken(ctx, owner, token.ID))
		tokens, err := svc.ListTokens(ctx, owner)
		require.NoError(t, err)
		assert.Empty(t, tokens)
	})
}

func TestServiceRegisterUser(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	events := &recordingEmitter{}
	svc := NewService(store, events)

	t.Run("Should create an active user and emit user.registered", func(t *testing.T) {
		user, err := svc.RegisterUser(ctx, "Dev@Example.COM", "hunter2hunter2")
		require.NoError(t, err)
		assert.Equal(t, "dev@example.com", user.Email)
		assert.True(t, user.Active)
		assert.NotEmpty(t, user.PasswordHash)
		emitted := events.all()
		require.Len(t, emitted, 1)
		assert.Equal(t, webhook.EventUserRegistered, emitted[0].Type)
		assert.Equal(t, user.Email, emitted[0].Data["email"])
	})
	t.Run("Should reject duplicate emails with conflict", func(t *testing.T) {
		_, err := svc.RegisterUser(ctx, "dev@example.com", "hunter2hunter2")
		require.Error(t, err)
		assert.Equal(t, core.CodeConflict, core.CodeOf(err))
	})
	t.Run("Should reject invalid emails", func(t *testing.T) {
		_, err := svc.RegisterUser(ctx, "not-an-email", "hunter2hunter2")
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalid, core.CodeOf(err))
	})
	t.Run("Should reject short passwords", func(t *testing.T) {
		_, err := svc.RegisterUser(ctx, "short@example.com", "short")
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalid, core.CodeOf(err))
	})
}

func TestServiceSessions(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	svc := NewService(store, nil,
		WithClock(fixedClock(base)),
		WithSessionTTLs(time.Hour, 30*time.Minute),
	)
	user, err := svc.RegisterUser(ctx, "dev@example.com", "hunter2hunter2")
	require.NoError(t, err)
	_, err = svc.CreateAdmin(ctx, "root", "hunter2hunter2")
	require.NoError(t, err)

	t.Run("Should open a user session with the user TTL", func(t *testing.T) {
		session, err := svc.LoginUser(ctx, "dev@example.com", "hunter2hunter2")
		require.NoError(t, err)
		assert.Equal(t, model.SessionKindUser, session.Kind)
		assert.Equal(t, user.ID, session.SubjectID)
		assert.Equal(t, base.Add(time.Hour), session.ExpiresAt)
	})
	t.Run("Should open an admin session with the admin TTL", func(t *testing.T) {
		session, err := svc.LoginAdmin(ctx, "root", "hunter2hunter2")
		require.NoError(t, err)
		assert.Equal(t, model.SessionKindAdmin, session.Kind)
		assert.Equal(t, base.Add(30*time.Minute), session.ExpiresAt)
	})
	t.Run("Should reject wrong passwords with unauthorized", func(t *testing.T) {
		_, err := svc.LoginUser(ctx, "dev@example.com", "wrong-password")
		require.Error(t, err)
		assert.Equal(t, core.CodeUnauthorized, core.CodeOf(err))
	})
	t.Run("Should reject unknown accounts with the same error", func(t *testing.T) {
		_, err := svc.LoginUser(ctx, "ghost@example.com", "hunter2hunter2")
		require.Error(t, err)
		assert.Equal(t, core.CodeUnauthorized, core.CodeOf(err))
	})
	t.Run("Should expire sessions lazily on resolve", func(t *testing.T) {
		session, err := svc.LoginUser(ctx, "dev@example.com", "hunter2hunter2")
		require.NoError(t, err)
		later := NewService(store, nil, WithClock(fixedClock(base.Add(2*time.Hour))))
		_, err = later.ResolveSession(ctx, session.ID)
		require.Error(t, err)
		assert.Equal(t, core.CodeUnauthorized, core.CodeOf(err))
		_, ok := store.sessions[session.ID]
		assert.False(t, ok, "expired session should be deleted on resolve")
	})
	t.Run("Should sweep expired sessions", func(t *testing.T) {
		_, err := svc.LoginUser(ctx, "dev@example.com", "hunter2hunter2")
		require.NoError(t, err)
		later := NewService(store, nil, WithClock(fixedClock(base.Add(48*time.Hour))))
		n, err := later.SweepSessions(ctx)
		require.NoError(t, err)
		assert.Positive(t, n)
	})
	t.Run("Should tolerate logout of a missing session", func(t *testing.T) {
		require.NoError(t, svc.Logout(ctx, "never-existed"))
	})
}
