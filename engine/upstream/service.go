// Package upstream mirrors a remote registry: package documents are served
// through an in-memory TTL cache, and archives are copied on demand into an
// isolated cache blob store so they survive upstream outages. Cached
// packages are recorded under the anonymous owner and never appear in
// first-party listings or search.
package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pubkeep/pubkeep/engine/blob"
	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/store"
	"github.com/pubkeep/pubkeep/engine/webhook"
	"github.com/pubkeep/pubkeep/pkg/logger"
	"github.com/pubkeep/pubkeep/pkg/version"
)

// Defaults for the document cache.
const (
	DefaultDocTTL    = 5 * time.Minute
	DefaultCacheSize = 1024
	// DefaultFetchTimeout bounds one upstream HTTP round trip. Archive
	// downloads reuse it; they stream from a CDN in practice.
	DefaultFetchTimeout = 30 * time.Second
)

// Store is the slice of the metadata store the mirror uses.
type Store interface {
	GetPackage(ctx context.Context, name string) (*model.Package, error)
	GetVersion(ctx context.Context, packageID core.ID, version string) (*model.PackageVersion, error)
	RecordCachedVersion(ctx context.Context, name, version string, pubspec model.JSONMap, archiveKey, digest string) (*store.PublishResult, error)
	DeleteCachedPackages(ctx context.Context) ([]string, error)
}

// VersionDoc is one version entry of an upstream package document.
type VersionDoc struct {
	Version    string        `json:"version"`
	Pubspec    model.JSONMap `json:"pubspec"`
	ArchiveURL string        `json:"archive_url"`
	Digest     string        `json:"archive_sha256"`
}

// Doc is an upstream package document, the subset of fields the mirror
// relays and records.
type Doc struct {
	Name     string       `json:"name"`
	Latest   *VersionDoc  `json:"latest"`
	Versions []VersionDoc `json:"versions"`
}

// Config parameterizes the mirror.
type Config struct {
	// URL is the upstream registry base, e.g. https://pub.dev.
	URL string
	// DocTTL bounds how long a package document is served from memory.
	DocTTL time.Duration
	// CacheSize caps the number of documents held in memory.
	CacheSize int
	// FetchTimeout bounds one upstream request.
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DocTTL <= 0 {
		c.DocTTL = DefaultDocTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// ClearReport aggregates one ClearCache run.
type ClearReport struct {
	ArchiveKeys  int
	BlobsDeleted int
	BlobFailures map[string]string
}

// Service is the fetch-through mirror.
type Service struct {
	store  Store
	blobs  blob.Store
	events webhook.Emitter
	client *resty.Client
	docs   *expirable.LRU[string, *Doc]
	base   string
}

// NewService builds a mirror against the upstream at cfg.URL, caching
// archives in blobs. The blob store must be the isolated cache instance,
// never the first-party one.
func NewService(st Store, blobs blob.Store, events webhook.Emitter, cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, core.Invalidf("invalid upstream registry URL %q", cfg.URL)
	}
	s := &Service{
		store:  st,
		blobs:  blobs,
		events: events,
		base:   base.String(),
		docs:   expirable.NewLRU[string, *Doc](cfg.CacheSize, nil, cfg.DocTTL),
	}
	if s.events == nil {
		s.events = webhook.NopEmitter{}
	}
	s.client = resty.New().
		SetBaseURL(s.base).
		SetTimeout(cfg.FetchTimeout).
		SetHeader("User-Agent", version.UserAgent()).
		SetHeader("Accept", "application/vnd.pub.v2+json")
	return s, nil
}

// PackageDoc returns the upstream package document, from memory if a fresh
// copy is cached.
func (s *Service) PackageDoc(ctx context.Context, name string) (*Doc, error) {
	if doc, ok := s.docs.Get(name); ok {
		return doc, nil
	}
	doc, err := s.fetchDoc(ctx, name)
	if err != nil {
		return nil, err
	}
	s.docs.Add(name, doc)
	return doc, nil
}

func (s *Service) fetchDoc(ctx context.Context, name string) (*Doc, error) {
	var doc Doc
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&doc).
		SetPathParam("name", name).
		Get("/api/packages/{name}")
	if err != nil {
		return nil, core.Backendf(err, "fetching %q from upstream", name)
	}
	switch {
	case resp.StatusCode() == 404:
		return nil, core.NotFoundf("package %q not found upstream", name)
	case resp.IsError():
		return nil, core.Backendf(nil, "upstream returned %d for %q", resp.StatusCode(), name)
	}
	if doc.Name == "" {
		return nil, core.Backendf(nil, "upstream document for %q is malformed", name)
	}
	return &doc, nil
}

// EnsureArchive makes sure the named version's archive is present in the
// cache store and recorded in metadata, downloading it from upstream on a
// miss. It returns the cached version row.
func (s *Service) EnsureArchive(ctx context.Context, name, versionStr string) (*model.PackageVersion, error) {
	if cached, err := s.lookupCached(ctx, name, versionStr); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	doc, err := s.PackageDoc(ctx, name)
	if err != nil {
		return nil, err
	}
	var target *VersionDoc
	for i := range doc.Versions {
		if doc.Versions[i].Version == versionStr {
			target = &doc.Versions[i]
			break
		}
	}
	if target == nil {
		return nil, core.NotFoundf("version %s of %q not found upstream", versionStr, name)
	}

	data, err := s.fetchArchive(ctx, target.ArchiveURL)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if target.Digest != "" && digest != target.Digest {
		return nil, core.Backendf(nil, "upstream archive for %s@%s does not match its advertised digest", name, versionStr)
	}
	key := blob.ArchiveKey(name, versionStr, digest)
	if err := s.blobs.Put(ctx, key, data, blob.ContentTypeGzip); err != nil {
		return nil, fmt.Errorf("caching archive: %w", err)
	}
	res, err := s.store.RecordCachedVersion(ctx, name, versionStr, target.Pubspec, key, digest)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("upstream archive cached",
		"package", name,
		"version", versionStr,
		"digest", digest,
	)
	return res.Version, nil
}

// lookupCached returns the already-cached version row, (nil, nil) on a
// clean miss.
func (s *Service) lookupCached(ctx context.Context, name, versionStr string) (*model.PackageVersion, error) {
	pkg, err := s.store.GetPackage(ctx, name)
	if core.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !pkg.IsCached {
		// First-party packages are never served through the mirror.
		return nil, core.Conflictf("package %q exists in this registry", name)
	}
	ver, err := s.store.GetVersion(ctx, pkg.ID, versionStr)
	if core.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ver, nil
}

func (s *Service) fetchArchive(ctx context.Context, archiveURL string) ([]byte, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		Get(archiveURL)
	if err != nil {
		return nil, core.Backendf(err, "downloading upstream archive")
	}
	if resp.IsError() {
		return nil, core.Backendf(nil, "upstream archive download returned %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// ClearCache removes every cached package: metadata rows first, then the
// cache-store objects they referenced, then the in-memory documents. Blob
// deletion failures are reported per key and never abort the run; the
// isolated cache root guarantees first-party archives are untouchable from
// here.
func (s *Service) ClearCache(ctx context.Context) (*ClearReport, error) {
	keys, err := s.store.DeleteCachedPackages(ctx)
	if err != nil {
		return nil, err
	}
	report := &ClearReport{
		ArchiveKeys:  len(keys),
		BlobFailures: make(map[string]string),
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			report.BlobFailures[key] = err.Error()
			continue
		}
		report.BlobsDeleted++
	}
	s.docs.Purge()
	s.events.Emit(ctx, webhook.Event{
		Type: webhook.EventCacheCleared,
		Data: map[string]any{"packages": report.ArchiveKeys, "blobs_deleted": report.BlobsDeleted},
	})
	logger.FromContext(ctx).Info("upstream cache cleared",
		"archive_keys", report.ArchiveKeys,
		"blobs_deleted", report.BlobsDeleted,
		"failures", len(report.BlobFailures),
	)
	return report, nil
}
