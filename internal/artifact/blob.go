package artifact

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// BlobStore persists patch payloads keyed by artifact ID.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// FileBlobStore stores blobs as files fanned out over two-character
// key-prefix directories.
type FileBlobStore struct {
	base string
}

// NewFileBlobStore creates a blob store rooted at base.
func NewFileBlobStore(base string) (*FileBlobStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	return &FileBlobStore{base: base}, nil
}

func (s *FileBlobStore) path(key string) string {
	prefix := "00"
	if len(key) >= 2 {
		prefix = key[:2]
	}
	return filepath.Join(s.base, prefix, key+".blob")
}

// Put writes a blob, creating the prefix directory as needed.
func (s *FileBlobStore) Put(ctx context.Context, key string, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Get reads a blob.
func (s *FileBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete removes a blob. A missing blob is not an error.
func (s *FileBlobStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
