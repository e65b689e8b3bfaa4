// Package publish implements the three-phase publish workflow: an initiated
// session receives archive bytes, which are validated and staged, and a
// finalize then commits the blob and metadata.
package publish

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"path"

	"github.com/Masterminds/semver/v3"
	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"

	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
)

const manifestName = "pubspec.yaml"

// maxManifestBytes bounds the manifest read; real pubspecs are a few KiB.
const maxManifestBytes = 256 << 10

// Archive is the validated content of an uploaded package tarball.
type Archive struct {
	Name    string
	Version string
	Pubspec model.JSONMap
	// Digest is the lowercase sha-256 hex of the raw archive bytes.
	Digest string
	Size   int64
}

// InspectArchive validates a gzipped tarball and extracts its manifest. It
// enforces the pub package layout: a gzip-compressed tar carrying
// pubspec.yaml at the archive root with a valid name and semver version.
func InspectArchive(data []byte) (*Archive, error) {
	if len(data) == 0 {
		return nil, core.Invalidf("archive is empty")
	}
	if !isGzip(data) {
		return nil, core.Invalidf("archive is not gzip-compressed")
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, core.Invalidf("reading gzip stream: %v", err)
	}
	defer gz.Close()

	manifest, err := findManifest(tar.NewReader(gz))
	if err != nil {
		return nil, err
	}
	pubspec, name, version, err := parseManifest(manifest)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return &Archive{
		Name:    name,
		Version: version,
		Pubspec: pubspec,
		Digest:  hex.EncodeToString(sum[:]),
		Size:    int64(len(data)),
	}, nil
}

// isGzip sniffs the content type, stdlib first with the mimetype library as
// the broader fallback.
func isGzip(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	switch http.DetectContentType(head) {
	case "application/gzip", "application/x-gzip":
		return true
	}
	return mimetype.Detect(head).Is("application/gzip")
}

func findManifest(tr *tar.Reader) ([]byte, error) {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, core.Invalidf("archive is missing %s", manifestName)
		}
		if err != nil {
			return nil, core.Invalidf("reading tar stream: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if path.Clean(hdr.Name) != manifestName {
			continue
		}
		buf, err := io.ReadAll(io.LimitReader(tr, maxManifestBytes+1))
		if err != nil {
			return nil, core.Invalidf("reading %s: %v", manifestName, err)
		}
		if len(buf) > maxManifestBytes {
			return nil, core.Invalidf("%s exceeds %d bytes", manifestName, maxManifestBytes)
		}
		return buf, nil
	}
}

func parseManifest(raw []byte) (model.JSONMap, string, string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, "", "", core.Invalidf("parsing %s: %v", manifestName, err)
	}
	name, _ := doc["name"].(string)
	if name == "" {
		return nil, "", "", core.Invalidf("%s is missing a package name", manifestName)
	}
	if !model.ValidPackageName(name) {
		return nil, "", "", core.Invalidf("package name %q is not a valid pub identifier", name)
	}
	version, _ := doc["version"].(string)
	if version == "" {
		return nil, "", "", core.Invalidf("%s is missing a version", manifestName)
	}
	if _, err := semver.StrictNewVersion(version); err != nil {
		return nil, "", "", core.Invalidf("version %q is not valid semver: %v", version, err)
	}
	return model.JSONMap(doc), name, version, nil
}
