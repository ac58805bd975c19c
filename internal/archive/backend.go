// Package archive writes pruned execution history to durable storage as
// compressed JSONL batches, on the local filesystem or in S3.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotFound      = errors.New("archive object not found")
	ErrInvalidConfig = errors.New("invalid archive configuration")
)

// Backend stores archive objects by key.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend     string
	Compression string

	// Filesystem backend
	Path string

	// S3 backend
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewBackend builds the configured backend, wrapped with compression when
// one is requested.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	var backend Backend
	switch cfg.Backend {
	case "filesystem":
		fs, err := NewFilesystemBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		backend = fs
	case "s3":
		s3b, err := NewS3Backend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		backend = s3b
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, cfg.Backend)
	}

	if cfg.Compression != "" && cfg.Compression != "none" {
		backend = NewCompressedBackend(backend, cfg.Compression)
	}
	return backend, nil
}
