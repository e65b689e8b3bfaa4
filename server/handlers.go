package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/upstream"
)

// handlePackageInfo serves the package document. Unknown packages fall
// through to the upstream mirror when one is configured.
func (s *Server) handlePackageInfo(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")
	info, err := s.deps.Packages.Info(ctx, name)
	if err == nil {
		c.JSON(http.StatusOK, info)
		return
	}
	if !core.IsNotFound(err) || s.deps.Upstream == nil {
		writeError(c, err)
		return
	}
	doc, err := s.deps.Upstream.PackageDoc(ctx, name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.rewriteUpstreamDoc(doc))
}

// rewriteUpstreamDoc points archive URLs at the local cache endpoint so
// downloads are mirrored into the cache store on first fetch.
func (s *Server) rewriteUpstreamDoc(doc *upstream.Doc) *upstream.Doc {
	base := strings.TrimSuffix(s.deps.Config.Server.BaseURL, "/")
	rewritten := *doc
	rewritten.Versions = make([]upstream.VersionDoc, len(doc.Versions))
	for i, v := range doc.Versions {
		v.ArchiveURL = fmt.Sprintf("%s/api/archives/cache/%s/%s", base, rewritten.Name, v.Version)
		rewritten.Versions[i] = v
	}
	rewritten.Latest = nil
	for i := range rewritten.Versions {
		if doc.Latest != nil && rewritten.Versions[i].Version == doc.Latest.Version {
			rewritten.Latest = &rewritten.Versions[i]
		}
	}
	return &rewritten
}

// handleListPackages serves paginated listings, or search when q is given.
func (s *Server) handleListPackages(c *gin.Context) {
	ctx := c.Request.Context()
	page := pageFrom(c)
	if term := c.Query("q"); term != "" {
		pkgs, err := s.deps.Packages.Search(ctx, term, page)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"packages": packageNames(pkgs)})
		return
	}
	pkgs, total, err := s.deps.Packages.List(ctx, page)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": packageNames(pkgs), "total": total})
}

func packageNames(pkgs []*model.Package) []string {
	names := make([]string, len(pkgs))
	for i, p := range pkgs {
		names[i] = p.Name
	}
	return names
}

func pageFrom(c *gin.Context) core.Page {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return core.Page{Limit: limit, Offset: offset}
}

// handleNewVersion opens an upload session per the pub publish protocol:
// the client receives the URL to POST the archive to plus an empty field
// map.
func (s *Server) handleNewVersion(c *gin.Context) {
	session, err := s.deps.Publish.Initiate(c.Request.Context(), tokenFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	base := strings.TrimSuffix(s.deps.Config.Server.BaseURL, "/")
	c.JSON(http.StatusOK, gin.H{
		"url":    fmt.Sprintf("%s/api/packages/versions/newupload/%s", base, session.ID),
		"fields": gin.H{},
	})
}

// handleUpload accepts the archive bytes, raw or as the file field of a
// multipart form, and stages them on the session.
func (s *Server) handleUpload(c *gin.Context) {
	sessionID := c.Param("session")
	archive, err := s.readArchive(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.deps.Publish.Upload(c.Request.Context(), tokenFrom(c), sessionID, archive); err != nil {
		writeError(c, err)
		return
	}
	base := strings.TrimSuffix(s.deps.Config.Server.BaseURL, "/")
	c.Header("Location", fmt.Sprintf("%s/api/packages/versions/newuploadfinish/%s", base, sessionID))
	c.Status(http.StatusNoContent)
}

func (s *Server) readArchive(c *gin.Context) ([]byte, error) {
	limit := s.deps.Publish.MaxArchiveBytes() + 1
	contentType := c.ContentType()
	if strings.HasPrefix(contentType, "multipart/") {
		file, _, err := c.Request.FormFile("file")
		if err != nil {
			return nil, core.Invalidf("multipart body lacks a file field")
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, limit))
		if err != nil {
			return nil, fmt.Errorf("reading upload: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	return data, nil
}

// handleFinalize commits the staged archive.
func (s *Server) handleFinalize(c *gin.Context) {
	res, err := s.deps.Publish.Finalize(c.Request.Context(), tokenFrom(c), c.Param("session"))
	if err != nil {
		writeError(c, err)
		return
	}
	message := fmt.Sprintf("Successfully uploaded package %s version %s.", res.Package.Name, res.Version.Version)
	if res.AlreadyExisted {
		message = fmt.Sprintf("Version %s of package %s was already published.", res.Version.Version, res.Package.Name)
	}
	c.JSON(http.StatusOK, gin.H{"success": gin.H{"message": message}})
}

// handleDownload streams an archive from the filesystem store; this is the
// endpoint filesystem DownloadURLs point at. Cached archives live in the
// isolated cache store under the same key shape, so both stores are
// consulted.
func (s *Server) handleDownload(c *gin.Context) {
	ctx := c.Request.Context()
	key := strings.TrimPrefix(c.Param("key"), "/")
	data, err := s.deps.Blobs.Get(ctx, key)
	if core.IsNotFound(err) && s.deps.CacheBlobs != nil {
		data, err = s.deps.CacheBlobs.Get(ctx, key)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/gzip", data)
}

// handleCacheDownload mirrors an upstream archive into the cache store on
// first fetch, then redirects to its download URL.
func (s *Server) handleCacheDownload(c *gin.Context) {
	if s.deps.Upstream == nil {
		writeError(c, core.NotFoundf("upstream mirroring is disabled"))
		return
	}
	ctx := c.Request.Context()
	ver, err := s.deps.Upstream.EnsureArchive(ctx, c.Param("name"), c.Param("version"))
	if err != nil {
		writeError(c, err)
		return
	}
	url, err := s.deps.CacheBlobs.DownloadURL(ctx, ver.ArchiveKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}
