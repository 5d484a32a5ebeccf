// Package localfs implements media.StorageProvider on a local directory that
// the HTTP server exposes under a public base URL. Writing <root>/<key> makes
// the file available at <baseURL>/uploads/<key>.
package localfs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/memohai/knowbot/internal/media"
)

// RoutePrefix is the path under which the server serves the store's root.
const RoutePrefix = "/uploads"

// Store keeps fallback copies of files in a flat local directory.
type Store struct {
	root    string
	baseURL string
}

// New creates a store rooted at dir; baseURL is the externally reachable
// origin of the HTTP server (e.g. "https://bot.example.com").
func New(dir, baseURL string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads dir: %w", err)
	}
	return &Store{root: abs, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}, nil
}

// Root returns the absolute directory backing the store.
func (s *Store) Root() string { return s.root }

// Put writes data to <root>/<key>.
func (s *Store) Put(_ context.Context, key string, reader io.Reader) error {
	dest, err := s.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create uploads dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("write file: %w", err)
	}
	return f.Close()
}

// Open reads a stored file.
func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := s.hostPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes a stored file. Missing files are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	dest, err := s.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// AccessPath returns the public URL of key.
func (s *Store) AccessPath(key string) string {
	return s.baseURL + RoutePrefix + "/" + url.PathEscape(key)
}

// hostPath maps a flat key to a file directly under root.
func (s *Store) hostPath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("storage key is required")
	}
	if filepath.IsAbs(key) || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("%w: %s", media.ErrPathTraversal, key)
	}
	return filepath.Join(s.root, key), nil
}
