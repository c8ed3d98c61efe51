package blob

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore persists blobs under a directory on the local filesystem and
// serves them by URL under a configured base (e.g. "https://assets.chirp.local").
type LocalStore struct {
	root    string
	baseURL string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, wrapTransient("blob: mkdir", err)
	}
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) Put(key string, data []byte, contentType string) (string, error) {
	rel := keyPath("", key, contentType)
	abs := filepath.Join(s.root, filepath.FromSlash(rel))

	// Idempotent by key: an existing blob with this key is the same content.
	if _, err := os.Stat(abs); err == nil {
		return s.urlFor(rel), nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", wrapTransient("blob: mkdir", err)
	}

	// Write to a temp file then rename so readers never see partial blobs.
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".put-*")
	if err != nil {
		return "", wrapTransient("blob: create", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", wrapTransient("blob: write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", wrapTransient("blob: close", err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		return "", wrapTransient("blob: rename", err)
	}
	return s.urlFor(rel), nil
}

func (s *LocalStore) Get(key string) ([]byte, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, keyGlob(key)))
	if err != nil || len(matches) == 0 {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, wrapTransient("blob: read", err)
	}
	return data, nil
}

func (s *LocalStore) Exists(key string) (bool, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, keyGlob(key)))
	if err != nil {
		return false, wrapTransient("blob: stat", err)
	}
	return len(matches) > 0, nil
}

func (s *LocalStore) urlFor(rel string) string {
	return s.baseURL + "/" + strings.TrimLeft(filepath.ToSlash(rel), "/")
}

func keyGlob(key string) string {
	if len(key) < 2 {
		return key + ".*"
	}
	return filepath.Join(key[:2], key+".*")
}
