package publish

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pubkeep/pubkeep/engine/auth"
	"github.com/pubkeep/pubkeep/engine/blob"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/store"
	"github.com/pubkeep/pubkeep/engine/webhook"
	"github.com/pubkeep/pubkeep/pkg/logger"
)

const (
	// DefaultSessionTTL bounds how long an initiated session accepts bytes.
	DefaultSessionTTL = time.Hour
	// DefaultMaxArchiveBytes caps uploads at 100 MiB.
	DefaultMaxArchiveBytes = 100 << 20
	// DefaultRetainCompleted keeps completed sessions a day for idempotent
	// finalize retries before the sweep prunes them.
	DefaultRetainCompleted = 24 * time.Hour
)

// Store is the slice of the metadata store the publish workflow uses.
type Store interface {
	CreateUploadSession(ctx context.Context, session *model.UploadSession) error
	GetUploadSession(ctx context.Context, id string) (*model.UploadSession, error)
	StageUploadArchive(ctx context.Context, id string, archive []byte) error
	GetPackage(ctx context.Context, name string) (*model.Package, error)
	GetVersion(ctx context.Context, packageID core.ID, version string) (*model.PackageVersion, error)
	PublishVersion(ctx context.Context, params store.PublishParams) (*store.PublishResult, error)
	SweepUploadSessions(ctx context.Context, now, completedBefore time.Time) (int64, error)
	AppendActivity(ctx context.Context, entry *model.ActivityEntry) error
}

// Config tunes the publish workflow. Zero values take the defaults.
type Config struct {
	SessionTTL      time.Duration
	MaxArchiveBytes int64
	RetainCompleted time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.MaxArchiveBytes <= 0 {
		c.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if c.RetainCompleted <= 0 {
		c.RetainCompleted = DefaultRetainCompleted
	}
	return c
}

// Service drives upload sessions from initiation through finalize.
type Service struct {
	store  Store
	blobs  blob.Store
	events webhook.Emitter
	cfg    Config
	now    func() time.Time
	random io.Reader
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom overrides the entropy source used for session IDs.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

func NewService(st Store, blobs blob.Store, events webhook.Emitter, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  st,
		blobs:  blobs,
		events: events,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		random: rand.Reader,
	}
	if s.events == nil {
		s.events = webhook.NopEmitter{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionTTL exposes the configured session lifetime.
func (s *Service) SessionTTL() time.Duration { return s.cfg.SessionTTL }

// MaxArchiveBytes exposes the configured upload cap.
func (s *Service) MaxArchiveBytes() int64 { return s.cfg.MaxArchiveBytes }

// Initiate opens an upload session. The target package is unknown until the
// manifest arrives, so any publish capability admits; the finalize step
// re-checks against the concrete name.
func (s *Service) Initiate(ctx context.Context, token *model.AuthToken) (*model.UploadSession, error) {
	if token == nil {
		return nil, core.Unauthorizedf("authentication required")
	}
	if !auth.AllowsAnyPublish(token.Scopes) {
		return nil, core.Forbiddenf("token lacks publish scope")
	}
	id, err := uuid.NewRandomFromReader(s.random)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	now := s.now().UTC()
	session := &model.UploadSession{
		ID:        id.String(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.store.CreateUploadSession(ctx, session); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug("upload session opened",
		"session_id", session.ID,
		"expires_at", session.ExpiresAt,
	)
	return session, nil
}

// Upload validates archive bytes and stages them on the session. Nothing
// reaches blob storage or package metadata until finalize.
func (s *Service) Upload(ctx context.Context, token *model.AuthToken, sessionID string, archive []byte) error {
	if token == nil {
		return core.Unauthorizedf("authentication required")
	}
	if !auth.AllowsAnyPublish(token.Scopes) {
		return core.Forbiddenf("token lacks publish scope")
	}
	if int64(len(archive)) > s.cfg.MaxArchiveBytes {
		return core.Invalidf("archive exceeds the %d byte limit", s.cfg.MaxArchiveBytes)
	}
	if _, err := InspectArchive(archive); err != nil {
		return err
	}
	return s.store.StageUploadArchive(ctx, sessionID, archive)
}

// Result is the outcome of a finalized session. AlreadyExisted marks an
// idempotent republish of identical content.
type Result struct {
	Package        *model.Package
	Version        *model.PackageVersion
	AlreadyExisted bool
}

// Finalize commits a staged archive: it re-derives the package identity from
// the manifest, authorizes against that name, writes the blob, then publishes
// the metadata and completes the session in one transaction. A failure after
// the blob write leaves an orphaned blob, never a version without bytes.
func (s *Service) Finalize(ctx context.Context, token *model.AuthToken, sessionID string) (*Result, error) {
	if token == nil {
		return nil, core.Unauthorizedf("authentication required")
	}
	session, err := s.store.GetUploadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Completed {
		return nil, core.Conflictf("upload session %s already finalized", sessionID)
	}
	if session.Expired(s.now()) {
		return nil, core.NotFoundf("upload session %s expired", sessionID)
	}
	if !session.HasArchive() {
		return nil, core.Invalidf("upload session %s has no staged archive", sessionID)
	}

	arch, err := InspectArchive(session.Archive)
	if err != nil {
		return nil, err
	}
	capability := auth.PublishScope(arch.Name)
	if !auth.Allows(token.Scopes, capability) {
		return nil, core.Forbiddenf("token lacks %s", capability)
	}
	if err := s.precheckDigest(ctx, arch); err != nil {
		return nil, err
	}

	key := blob.ArchiveKey(arch.Name, arch.Version, arch.Digest)
	if err := s.blobs.Put(ctx, key, session.Archive, blob.ContentTypeGzip); err != nil {
		return nil, fmt.Errorf("storing archive: %w", err)
	}
	res, err := s.store.PublishVersion(ctx, store.PublishParams{
		SessionID:  sessionID,
		Name:       arch.Name,
		OwnerID:    token.UserID,
		Version:    arch.Version,
		Pubspec:    arch.Pubspec,
		ArchiveKey: key,
		Digest:     arch.Digest,
	})
	if err != nil {
		// The blob stays behind; it is content-addressed, so a concurrent
		// finalize of the same bytes may already reference the key.
		return nil, err
	}

	if !res.AlreadyExisted {
		s.events.Emit(ctx, webhook.Event{
			Type: webhook.EventPackagePublished,
			Data: map[string]any{
				"package":   res.Package.Name,
				"version":   res.Version.Version,
				"digest":    res.Version.Digest,
				"publisher": token.UserID.String(),
			},
		})
		s.appendActivity(ctx, token.UserID, webhook.EventPackagePublished, res.Package.Name+"@"+res.Version.Version)
	}
	logger.FromContext(ctx).Info("package published",
		"package", arch.Name,
		"version", arch.Version,
		"digest", arch.Digest,
		"idempotent", res.AlreadyExisted,
	)
	return &Result{Package: res.Package, Version: res.Version, AlreadyExisted: res.AlreadyExisted}, nil
}

// precheckDigest rejects a conflicting republish before the blob write. The
// authoritative check runs inside the publish transaction; this one only
// avoids storing bytes that are doomed to conflict.
func (s *Service) precheckDigest(ctx context.Context, arch *Archive) error {
	pkg, err := s.store.GetPackage(ctx, arch.Name)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	existing, err := s.store.GetVersion(ctx, pkg.ID, arch.Version)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !strings.EqualFold(existing.Digest, arch.Digest) {
		return core.Conflictf("version %s of %q already exists with different content", arch.Version, arch.Name)
	}
	return nil
}

// Sweep reclaims expired sessions and prunes completed ones past the
// retention window. It returns the number of sessions removed.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	n, err := s.store.SweepUploadSessions(ctx, now, now.Add(-s.cfg.RetainCompleted))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.FromContext(ctx).Info("upload sessions swept", "deleted", n)
	}
	return n, nil
}

func (s *Service) appendActivity(ctx context.Context, actor core.ID, action, subject string) {
	entry := &model.ActivityEntry{
		ID:        core.MustNewID(),
		ActorID:   sql.NullString{String: actor.String(), Valid: !actor.IsZero()},
		Action:    action,
		Subject:   subject,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendActivity(ctx, entry); err != nil {
		logger.FromContext(ctx).Warn("appending activity entry",
			"action", action,
			"subject", subject,
			"error", err,
		)
	}
}
