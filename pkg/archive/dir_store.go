package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DirBlobStore keeps blobs as files in a single directory.
type DirBlobStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewDirBlobStore creates the directory if needed.
func NewDirBlobStore(baseDir string) (*DirBlobStore, error) {
	//nolint:gosec // G301: archives are meant to be readable by operators
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &DirBlobStore{baseDir: baseDir}, nil
}

func (s *DirBlobStore) path(key string) (string, error) {
	name, err := objectName(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, name), nil
}

func (s *DirBlobStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: see NewDirBlobStore
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive: commit blob: %w", err)
	}
	return nil
}

func (s *DirBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path) //nolint:gosec // name validated by objectName
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read blob: %w", err)
	}
	return data, nil
}

func (s *DirBlobStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("archive: stat blob: %w", err)
}

func (s *DirBlobStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("archive: delete blob: %w", err)
	}
	return nil
}
