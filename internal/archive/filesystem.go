package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemBackend stores archive objects under a base directory, one file
// per key.
type FilesystemBackend struct {
	basePath string
}

// NewFilesystemBackend creates the base directory if needed.
func NewFilesystemBackend(basePath string) (*FilesystemBackend, error) {
	if basePath == "" {
		return nil, fmt.Errorf("%w: filesystem path is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &FilesystemBackend{basePath: basePath}, nil
}

// buildPath validates the key and resolves it under the base directory. Keys
// are caller-controlled, so traversal out of the base is rejected.
func (f *FilesystemBackend) buildPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "\x00") {
		return "", fmt.Errorf("invalid key: %q", key)
	}
	if filepath.IsAbs(key) {
		return "", errors.New("invalid key: absolute paths not allowed")
	}

	cleanKey := filepath.Clean(key)
	if cleanKey == ".." || strings.HasPrefix(cleanKey, ".."+string(filepath.Separator)) {
		return "", errors.New("invalid key: path traversal not allowed")
	}

	fullPath := filepath.Join(f.basePath, cleanKey)
	if !strings.HasPrefix(fullPath, filepath.Clean(f.basePath)+string(filepath.Separator)) {
		return "", errors.New("invalid key: path escapes archive directory")
	}
	return fullPath, nil
}

func (f *FilesystemBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

func (f *FilesystemBackend) Delete(ctx context.Context, key string) error {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking file existence: %w", err)
	}
	return true, nil
}
