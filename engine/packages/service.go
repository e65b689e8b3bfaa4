// Package packages exposes the registry's read and management operations
// over stored packages: info documents for the client API, listings and
// search, and the administrative mutations (discontinue, retract, transfer,
// delete) with their audit trail and webhook events.
package packages

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/pubkeep/pubkeep/engine/auth"
	"github.com/pubkeep/pubkeep/engine/blob"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/webhook"
	"github.com/pubkeep/pubkeep/pkg/logger"
)

// Store is the slice of the metadata store the package service uses.
type Store interface {
	GetPackage(ctx context.Context, name string) (*model.Package, error)
	ListPackages(ctx context.Context, page core.Page) ([]*model.Package, error)
	CountPackages(ctx context.Context) (int64, error)
	SearchPackages(ctx context.Context, term string, page core.Page) ([]*model.Package, error)
	ListVersions(ctx context.Context, packageID core.ID) ([]*model.PackageVersion, error)
	GetVersion(ctx context.Context, packageID core.ID, version string) (*model.PackageVersion, error)
	SetDiscontinued(ctx context.Context, name string, discontinued bool, replacedBy string, now time.Time) error
	SetVersionRetracted(ctx context.Context, packageID core.ID, version string, retracted bool) error
	TransferOwnership(ctx context.Context, name string, newOwnerID core.ID, now time.Time) error
	DeletePackage(ctx context.Context, name string) ([]*model.PackageVersion, error)
	DeleteVersion(ctx context.Context, packageID core.ID, version string) (*model.PackageVersion, error)
	GetUserByID(ctx context.Context, id core.ID) (*model.User, error)
	AppendActivity(ctx context.Context, entry *model.ActivityEntry) error
}

// Service answers package queries and applies management mutations.
type Service struct {
	store  Store
	blobs  blob.Store
	events webhook.Emitter
	now    func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st Store, blobs blob.Store, events webhook.Emitter, opts ...Option) *Service {
	s := &Service{
		store:  st,
		blobs:  blobs,
		events: events,
		now:    time.Now,
	}
	if s.events == nil {
		s.events = webhook.NopEmitter{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VersionInfo is one published version in a package info document.
type VersionInfo struct {
	Version     string        `json:"version"`
	Pubspec     model.JSONMap `json:"pubspec"`
	ArchiveURL  string        `json:"archive_url"`
	Digest      string        `json:"archive_sha256"`
	Retracted   bool          `json:"retracted,omitempty"`
	PublishedAt time.Time     `json:"published"`
}

// Info is the full package document served to clients: the latest version
// plus the complete version list.
type Info struct {
	Name         string        `json:"name"`
	Latest       *VersionInfo  `json:"latest,omitempty"`
	Versions     []VersionInfo `json:"versions"`
	Discontinued bool          `json:"isDiscontinued,omitempty"`
	ReplacedBy   string        `json:"replacedBy,omitempty"`
}

// Info assembles the package document. Latest is the highest non-retracted
// version by semver order, preferring stable releases; prereleases are
// considered only when nothing stable exists.
func (s *Service) Info(ctx context.Context, name string) (*Info, error) {
	pkg, err := s.store.GetPackage(ctx, name)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Name:         pkg.Name,
		Versions:     make([]VersionInfo, 0, len(versions)),
		Discontinued: pkg.Discontinued,
		ReplacedBy:   pkg.ReplacedBy.String,
	}
	for _, v := range versions {
		url, err := s.blobs.DownloadURL(ctx, v.ArchiveKey)
		if err != nil {
			return nil, fmt.Errorf("resolving archive url for %s@%s: %w", pkg.Name, v.Version, err)
		}
		info.Versions = append(info.Versions, VersionInfo{
			Version:     v.Version,
			Pubspec:     v.Pubspec,
			ArchiveURL:  url,
			Digest:      v.Digest,
			Retracted:   v.Retracted,
			PublishedAt: v.PublishedAt,
		})
	}
	if latest := latestVersion(info.Versions); latest >= 0 {
		info.Latest = &info.Versions[latest]
	}
	return info, nil
}

// latestVersion picks the index of the latest selectable version: the
// highest stable semver, or the highest prerelease when no stable version
// exists. Retracted versions are never latest. Returns -1 when nothing
// qualifies.
func latestVersion(versions []VersionInfo) int {
	best := -1
	var bestSemver *semver.Version
	bestStable := false
	for i, v := range versions {
		if v.Retracted {
			continue
		}
		parsed, err := semver.StrictNewVersion(v.Version)
		if err != nil {
			continue
		}
		stable := parsed.Prerelease() == ""
		switch {
		case best < 0,
			stable && !bestStable,
			stable == bestStable && parsed.GreaterThan(bestSemver):
			best, bestSemver, bestStable = i, parsed, stable
		}
	}
	return best
}

// List returns a page of first-party packages plus the total count.
func (s *Service) List(ctx context.Context, page core.Page) ([]*model.Package, int64, error) {
	pkgs, err := s.store.ListPackages(ctx, page)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.CountPackages(ctx)
	if err != nil {
		return nil, 0, err
	}
	return pkgs, total, nil
}

// Search returns first-party packages whose name contains the term,
// case-insensitively.
func (s *Service) Search(ctx context.Context, term string, page core.Page) ([]*model.Package, error) {
	return s.store.SearchPackages(ctx, term, page)
}

// Discontinue marks a package discontinued, optionally naming a
// replacement.
func (s *Service) Discontinue(ctx context.Context, token *model.AuthToken, name, replacedBy string) error {
	if err := s.authorizePackage(token, name); err != nil {
		return err
	}
	if replacedBy != "" && !model.ValidPackageName(replacedBy) {
		return core.Invalidf("invalid replacement package name %q", replacedBy)
	}
	if err := s.store.SetDiscontinued(ctx, name, true, replacedBy, s.now().UTC()); err != nil {
		return err
	}
	s.events.Emit(ctx, webhook.Event{
		Type: webhook.EventPackageDiscontinued,
		Data: map[string]any{"package": name, "replaced_by": replacedBy},
	})
	s.appendActivity(ctx, token.UserID, webhook.EventPackageDiscontinued, name)
	return nil
}

// Reactivate clears the discontinued flag and any replacement name.
func (s *Service) Reactivate(ctx context.Context, token *model.AuthToken, name string) error {
	if err := s.authorizePackage(token, name); err != nil {
		return err
	}
	if err := s.store.SetDiscontinued(ctx, name, false, "", s.now().UTC()); err != nil {
		return err
	}
	s.events.Emit(ctx, webhook.Event{
		Type: webhook.EventPackageReactivated,
		Data: map[string]any{"package": name},
	})
	s.appendActivity(ctx, token.UserID, webhook.EventPackageReactivated, name)
	return nil
}

// RetractVersion marks one version retracted. The version stays resolvable
// for clients that already depend on it but is never selected as latest.
func (s *Service) RetractVersion(ctx context.Context, token *model.AuthToken, name, version string) error {
	return s.setRetracted(ctx, token, name, version, true)
}

// UnretractVersion reverses a retraction.
func (s *Service) UnretractVersion(ctx context.Context, token *model.AuthToken, name, version string) error {
	return s.setRetracted(ctx, token, name, version, false)
}

func (s *Service) setRetracted(ctx context.Context, token *model.AuthToken, name, version string, retracted bool) error {
	if err := s.authorizePackage(token, name); err != nil {
		return err
	}
	pkg, err := s.store.GetPackage(ctx, name)
	if err != nil {
		return err
	}
	if err := s.store.SetVersionRetracted(ctx, pkg.ID, version, retracted); err != nil {
		return err
	}
	action := "version.retracted"
	if !retracted {
		action = "version.unretracted"
	}
	s.appendActivity(ctx, token.UserID, action, name+"@"+version)
	return nil
}

// TransferOwnership reassigns a package to another existing user. Ownership
// never changes implicitly; this is the only path.
func (s *Service) TransferOwnership(ctx context.Context, token *model.AuthToken, name string, newOwnerID core.ID) error {
	if err := s.authorizeAdmin(token); err != nil {
		return err
	}
	owner, err := s.store.GetUserByID(ctx, newOwnerID)
	if err != nil {
		return err
	}
	if !owner.Active {
		return core.Invalidf("user %s is deactivated", newOwnerID)
	}
	if err := s.store.TransferOwnership(ctx, name, owner.ID, s.now().UTC()); err != nil {
		return err
	}
	s.appendActivity(ctx, token.UserID, "package.transferred", name)
	return nil
}

// Delete removes a package, all its versions, and their archives. Archive
// deletion is best effort: metadata is authoritative, and a leftover blob
// is harmless.
func (s *Service) Delete(ctx context.Context, token *model.AuthToken, name string) error {
	if err := s.authorizeAdmin(token); err != nil {
		return err
	}
	versions, err := s.store.DeletePackage(ctx, name)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	for _, v := range versions {
		if err := s.blobs.Delete(ctx, v.ArchiveKey); err != nil {
			log.Warn("deleting archive", "key", v.ArchiveKey, "error", err)
		}
	}
	s.events.Emit(ctx, webhook.Event{
		Type: webhook.EventPackageDeleted,
		Data: map[string]any{"package": name, "versions": len(versions)},
	})
	s.appendActivity(ctx, token.UserID, webhook.EventPackageDeleted, name)
	log.Info("package deleted", "package", name, "versions", len(versions))
	return nil
}

// DeleteVersion removes a single version and its archive.
func (s *Service) DeleteVersion(ctx context.Context, token *model.AuthToken, name, version string) error {
	if err := s.authorizeAdmin(token); err != nil {
		return err
	}
	pkg, err := s.store.GetPackage(ctx, name)
	if err != nil {
		return err
	}
	deleted, err := s.store.DeleteVersion(ctx, pkg.ID, version)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, deleted.ArchiveKey); err != nil {
		logger.FromContext(ctx).Warn("deleting archive", "key", deleted.ArchiveKey, "error", err)
	}
	s.events.Emit(ctx, webhook.Event{
		Type: webhook.EventVersionDeleted,
		Data: map[string]any{"package": name, "version": version},
	})
	s.appendActivity(ctx, token.UserID, webhook.EventVersionDeleted, name+"@"+version)
	return nil
}

// authorizePackage admits package maintainers (publish scope on the name)
// and admins.
func (s *Service) authorizePackage(token *model.AuthToken, name string) error {
	if token == nil {
		return core.Unauthorizedf("authentication required")
	}
	capability := auth.PublishScope(name)
	if !auth.Allows(token.Scopes, capability) {
		return core.Forbiddenf("token lacks %s", capability)
	}
	return nil
}

// authorizeAdmin admits admin-scoped tokens only.
func (s *Service) authorizeAdmin(token *model.AuthToken) error {
	if token == nil {
		return core.Unauthorizedf("authentication required")
	}
	if !auth.Allows(token.Scopes, auth.ScopeAdmin) {
		return core.Forbiddenf("token lacks admin scope")
	}
	return nil
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
