package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore is the fallback engine: one file per key under a directory.
// Writes go through a temp file followed by rename, so a reader never
// observes a partial value.
type FileStore struct {
	dir string
}

// NewFileStore creates the engine rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// keyPath maps a key to a filename. Keys are hex-encoded so arbitrary key
// strings cannot escape the directory.
func (f *FileStore) keyPath(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+".bin")
}

// Get implements Store.Get.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, err := os.ReadFile(f.keyPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, nil
}

// Set implements Store.Set via write-to-temp-then-rename.
func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := f.keyPath(key)
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to flush %q: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit %q: %w", key, err)
	}
	return nil
}

// Remove implements Store.Remove.
func (f *FileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(f.keyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	return nil
}

// Close implements Store.Close. The engine holds no open handles.
func (f *FileStore) Close() error {
	return nil
}
