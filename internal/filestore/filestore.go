// Package filestore abstracts the cloud file store that receives the
// canonical transcript artifacts.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// EndpointFileStore is the rate-limiter endpoint key shared by the
// cloud backends' HTTP traffic.
const EndpointFileStore = "filestore"

// FileStore stores artifacts under a folder path rooted at a configured
// location. Uploads are idempotent by name: an existing file's id is
// returned (content refreshed) rather than creating a duplicate.
type FileStore interface {
	// FindByName returns the file id for name under the folder path, or
	// "" when absent.
	FindByName(ctx context.Context, folders []string, name string) (string, error)

	// Upload writes data as name under the folder path, creating
	// intermediate folders as needed, and returns the file id.
	Upload(ctx context.Context, folders []string, name string, data []byte, contentType string) (string, error)

	// Type returns "drive", "s3" or "local".
	Type() string
}

// LocalStore keeps artifacts in a local directory tree. Used for
// development and tests; the file id is the absolute path.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) path(folders []string, name string) string {
	parts := append([]string{s.dir}, folders...)
	return filepath.Join(append(parts, name)...)
}

func (s *LocalStore) FindByName(ctx context.Context, folders []string, name string) (string, error) {
	p := s.path(folders, name)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func (s *LocalStore) Upload(ctx context.Context, folders []string, name string, data []byte, contentType string) (string, error) {
	p := s.path(folders, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(p), err)
	}

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(filepath.Dir(p), ".artifact-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename: %w", err)
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func (s *LocalStore) Type() string { return "local" }
