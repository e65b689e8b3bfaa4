package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/webhook"
	"github.com/pubkeep/pubkeep/pkg/logger"
)

// Store is the slice of the metadata store the auth service depends on.
type Store interface {
	CreateToken(ctx context.Context, token *model.AuthToken) error
	GetTokenByHash(ctx context.Context, hash []byte) (*model.AuthToken, error)
	TouchToken(ctx context.Context, id core.ID, now time.Time) error
	ListTokensByUser(ctx context.Context, userID core.ID) ([]*model.AuthToken, error)
	DeleteToken(ctx context.Context, id core.ID, userID core.ID) error

	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id core.ID) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	CreateAdmin(ctx context.Context, admin *model.AdminUser) error
	GetAdminByUsername(ctx context.Context, username string) (*model.AdminUser, error)

	CreateSession(ctx context.Context, session *model.UserSession) error
	GetSession(ctx context.Context, id string) (*model.UserSession, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Session TTL defaults; admin sessions expire sooner.
const (
	DefaultUserSessionTTL  = 24 * time.Hour
	DefaultAdminSessionTTL = 8 * time.Hour
)

// Service implements token, account, and session management. All time and
// randomness flow through injected dependencies so behavior is reproducible
// under test.
type Service struct {
	store           Store
	events          webhook.Emitter
	hasher          Hasher
	now             func() time.Time
	random          io.Reader
	userSessionTTL  time.Duration
	adminSessionTTL time.Duration
}

// Option adjusts a Service at construction time.
type Option func(*Service)

// WithClock replaces the wall clock, letting tests pin time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom replaces the entropy source used for token secrets and session
// identifiers.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

// WithHasher replaces the password hasher.
func WithHasher(h Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithSessionTTLs overrides the user and admin session lifetimes.
func WithSessionTTLs(user, admin time.Duration) Option {
	return func(s *Service) {
		if user > 0 {
			s.userSessionTTL = user
		}
		if admin > 0 {
			s.adminSessionTTL = admin
		}
	}
}

// NewService wires an auth service over the given store. A nil emitter
// disables notifications.
func NewService(store Store, events webhook.Emitter, opts ...Option) *Service {
	s := &Service{
		store:           store,
		events:          events,
		hasher:          NewBcryptHasher(0),
		now:             time.Now,
		random:          rand.Reader,
		userSessionTTL:  DefaultUserSessionTTL,
		adminSessionTTL: DefaultAdminSessionTTL,
	}
	if s.events == nil {
		s.events = webhook.NopEmitter{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MintToken creates a token for the user and returns the plaintext exactly
// once together with the stored record. A nil expiresAt mints a token that
// never expires.
func (s *Service) MintToken(
	ctx context.Context,
	userID core.ID,
	name string,
	scopes model.StringSet,
	expiresAt *time.Time,
) (string, *model.AuthToken, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, core.Invalidf("token name is required")
	}
	scopes = scopes.Normalize()
	if err := ValidateScopes(scopes); err != nil {
		return "", nil, core.Invalidf("%s", err)
	}
	plaintext, hash, err := GenerateToken(s.random)
	if err != nil {
		return "", nil, core.Backendf(err, "generating token")
	}
	token := &model.AuthToken{
		ID:        core.MustNewID(),
		UserID:    userID,
		Name:      name,
		Hash:      hash,
		Scopes:    scopes,
		CreatedAt: s.now().UTC(),
	}
	if expiresAt != nil {
		t := expiresAt.UTC()
		if !t.After(token.CreatedAt) {
			return "", nil, core.Invalidf("token expiry must be in the future")
		}
		token.ExpiresAt = sql.NullTime{Time: t, Valid: true}
	}
	if err := s.store.CreateToken(ctx, token); err != nil {
		return "", nil, fmt.Errorf("storing token: %w", err)
	}
	return plaintext, token, nil
}

// ValidateToken resolves a presented credential to its stored token. Unknown,
// malformed, and expired credentials are all reported as unauthorized so
// callers cannot probe which of the three applied.
func (s *Service) ValidateToken(ctx context.Context, presented string) (*model.AuthToken, error) {
	if !WellFormedToken(presented) {
		return nil, core.Unauthorizedf("invalid token")
	}
	token, err := s.store.GetTokenByHash(ctx, HashToken(presented))
	if err != nil {
		if core.IsNotFound(err) {
			return nil, core.Unauthorizedf("invalid token")
		}
		return nil, fmt.Errorf("looking up token: %w", err)
	}
	now := s.now().UTC()
	if token.ExpiredAt(now) {
		return nil, core.Unauthorizedf("token expired")
	}
	if err := s.store.TouchToken(ctx, token.ID, now); err != nil {
		logger.FromContext(ctx).Warn("failed to update token last_used", "token_id", token.ID, "error", err)
	}
	return token, nil
}

// Authorize checks the token's scopes against a capability and returns a
// forbidden error when they do not grant it.
func (s *Service) Authorize(token *model.AuthToken, capability string) error {
	if token == nil {
		return core.Unauthorizedf("authentication required")
	}
	if !Allows(token.Scopes, capability) {
		return core.Forbiddenf("token does not grant %s", capability)
	}
	return nil
}

// ListTokens returns the user's tokens, newest first.
func (s *Service) ListTokens(ctx context.Context, userID core.ID) ([]*model.AuthToken, error) {
	return s.store.ListTokensByUser(ctx, userID)
}

// RevokeToken deletes one of the user's tokens. Revoking a token that does
// not exist, or that belongs to someone else, reports not found.
func (s *Service) RevokeToken(ctx context.Context, userID core.ID, tokenID core.ID) error {
	return s.store.DeleteToken(ctx, tokenID, userID)
}

// RegisterUser creates an active user account and announces it. The email is
// the login identity and must be unique.
func (s *Service) RegisterUser(ctx context.Context, email, password string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, core.Invalidf("a valid email address is required")
	}
	if len(password) < 8 {
		return nil, core.Invalidf("password must be at least 8 characters")
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, core.Backendf(err, "hashing password")
	}
	now := s.now().UTC()
	user := &model.User{
		ID:           core.MustNewID(),
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if core.IsConflict(err) {
			return nil, core.Conflictf("email %s is already registered", email)
		}
		return nil, fmt.Errorf("storing user: %w", err)
	}
	s.events.Emit(ctx, webhook.Event{
		Type: webhook.EventUserRegistered,
		Data: map[string]any{"user_id": user.ID.String(), "email": user.Email},
	})
	return user, nil
}

// LoginUser verifies credentials and opens a user session. Every failure
// mode reports the same unauthorized error.
func (s *Service) LoginUser(ctx context.Context, email, password string) (*model.UserSession, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, core.Unauthorizedf("invalid credentials")
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if !user.Active || !s.hasher.Compare(user.PasswordHash, password) {
		return nil, core.Unauthorizedf("invalid credentials")
	}
	return s.openSession(ctx, model.SessionKindUser, user.ID, s.userSessionTTL)
}

// LoginAdmin verifies admin credentials and opens an admin session.
func (s *Service) LoginAdmin(ctx context.Context, username, password string) (*model.UserSession, error) {
	admin, err := s.store.GetAdminByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if core.IsNotFound(err) {
			return nil, core.Unauthorizedf("invalid credentials")
		}
		return nil, fmt.Errorf("looking up admin: %w", err)
	}
	if !admin.Active || !s.hasher.Compare(admin.PasswordHash, password) {
		return nil, core.Unauthorizedf("invalid credentials")
	}
	return s.openSession(ctx, model.SessionKindAdmin, admin.ID, s.adminSessionTTL)
}

// CreateAdmin provisions an administrator account. Used by the CLI.
func (s *Service) CreateAdmin(ctx context.Context, username, password string) (*model.AdminUser, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, core.Invalidf("username is required")
	}
	if len(password) < 8 {
		return nil, core.Invalidf("password must be at least 8 characters")
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, core.Backendf(err, "hashing password")
	}
	admin := &model.AdminUser{
		ID:           core.MustNewID(),
		Username:     username,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateAdmin(ctx, admin); err != nil {
		if core.IsConflict(err) {
			return nil, core.Conflictf("admin %s already exists", username)
		}
		return nil, fmt.Errorf("storing admin: %w", err)
	}
	return admin, nil
}

// ResolveSession loads a session and enforces its TTL lazily: an expired
// session is deleted on sight and reported as unauthorized.
func (s *Service) ResolveSession(ctx context.Context, id string) (*model.UserSession, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, core.Unauthorizedf("session not found")
		}
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if session.Expired(s.now().UTC()) {
		if err := s.store.DeleteSession(ctx, id); err != nil {
			logger.FromContext(ctx).Warn("failed to delete expired session", "session_id", id, "error", err)
		}
		return nil, core.Unauthorizedf("session expired")
	}
	return session, nil
}

// Logout discards a session. Missing sessions are not an error.
func (s *Service) Logout(ctx context.Context, id string) error {
	if err := s.store.DeleteSession(ctx, id); err != nil && !core.IsNotFound(err) {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// SweepSessions removes all expired sessions and returns the count. Storage
// hygiene only; correctness relies on the lazy expiry check.
func (s *Service) SweepSessions(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredSessions(ctx, s.now().UTC())
}

func (s *Service) openSession(
	ctx context.Context,
	kind model.SessionKind,
	subject core.ID,
	ttl time.Duration,
) (*model.UserSession, error) {
	id, err := uuid.NewRandomFromReader(s.random)
	if err != nil {
		return nil, core.Backendf(err, "generating session id")
	}
	now := s.now().UTC()
	session := &model.UserSession{
		ID:        id.String(),
		Kind:      kind,
		SubjectID: subject,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return session, nil
}
