package blob

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pubkeep/pubkeep/engine/core"
)

// FSStore keeps archives as plain files under a root directory. Raw files
// cannot be served with authentication, so DownloadURL points at the
// server's own archive endpoint instead of the file.
type FSStore struct {
	root    string
	baseURL string
}

// NewFSStore returns a filesystem store rooted at root. baseURL is the
// externally reachable server address download URLs are built from.
func NewFSStore(root, baseURL string) *FSStore {
	return &FSStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

// EnsureReady creates the root directory if it does not exist.
func (s *FSStore) EnsureReady(_ context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return core.Backendf(err, "creating archive root %s", s.root)
	}
	return nil
}

// Put writes to a temp file in the root and renames it into place, so a
// crash mid-write never leaves a partial object at the key.
func (s *FSStore) Put(_ context.Context, key string, data []byte, _ string) error {
	dst, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return core.Backendf(err, "creating directory for %s", key)
	}
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return core.Backendf(err, "creating temp file for %s", key)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return core.Backendf(err, "writing %s", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return core.Backendf(err, "closing temp file for %s", key)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return core.Backendf(err, "moving %s into place", key)
	}
	return nil
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.NotFoundf("archive %s not found", key)
		}
		return nil, core.Backendf(err, "reading %s", key)
	}
	return data, nil
}

func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, core.Backendf(err, "checking %s", key)
	}
	return true, nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return core.Backendf(err, "deleting %s", key)
	}
	return nil
}

// DownloadURL returns the server archive endpoint for the key.
func (s *FSStore) DownloadURL(_ context.Context, key string) (string, error) {
	u := url.URL{Path: "/archives/" + key}
	return s.baseURL + u.EscapedPath(), nil
}

// resolve maps a key to an absolute path under the root, rejecting any key
// that would escape it.
func (s *FSStore) resolve(key string) (string, error) {
	if key == "" {
		return "", core.Invalidf("empty archive key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", core.Invalidf("archive key %q escapes storage root", key)
	}
	return filepath.Join(s.root, clean), nil
}

var _ Store = (*FSStore)(nil)
