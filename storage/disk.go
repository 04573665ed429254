package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DiskStore keeps blobs as plain files under a root directory, one
// subdirectory per token. Writes go through a temp file and an atomic rename
// so a crashed upload never leaves a readable half-written blob.
type DiskStore struct {
	dataDir string
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(dataDir string) (*DiskStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dataDir, err)
	}
	return &DiskStore{dataDir: dataDir}, nil
}

// Put streams r to disk under key. Returns the number of bytes written.
func (s *DiskStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return 0, fmt.Errorf("create key dir: %w", err)
	}

	tmpPath := fullPath + ".tmp." + uuid.NewString()
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write blob data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fsync blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("atomic rename: %w", err)
	}
	return size, nil
}

// Open returns a reader over the blob. The caller must close it.
func (s *DiskStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return f, nil
}

// Delete removes the blob and its token directory when it becomes empty.
// Deleting a missing key is a no-op.
func (s *DiskStore) Delete(ctx context.Context, key string) error {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	// Token directory is empty once its single blob is gone; ignore failure
	// (another blob or a concurrent delete may be present).
	_ = os.Remove(filepath.Dir(fullPath))
	return nil
}

// Exists checks for the blob without opening it.
func (s *DiskStore) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// fullPath resolves a key inside dataDir and rejects traversal attempts.
func (s *DiskStore) fullPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.dataDir, clean), nil
}
