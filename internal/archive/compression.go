package archive

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressedBackend wraps another Backend and transparently compresses
// objects on Put and decompresses them on Get. Delete and Exists pass
// through untouched.
type CompressedBackend struct {
	backend     Backend
	compression string
}

func NewCompressedBackend(backend Backend, compression string) *CompressedBackend {
	return &CompressedBackend{
		backend:     backend,
		compression: compression,
	}
}

func (c *CompressedBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if c.compression == "" {
		return c.backend.Put(ctx, key, r, size)
	}

	pr, pw := io.Pipe()

	go func() {
		var err error
		switch c.compression {
		case "gzip":
			err = compressGzip(pw, r)
		case "zstd":
			err = compressZstd(pw, r)
		default:
			err = fmt.Errorf("unsupported compression type: %s", c.compression)
		}
		pw.CloseWithError(err)
	}()

	// Compressed size is unknown until the stream ends.
	return c.backend.Put(ctx, key, pr, -1)
}

func (c *CompressedBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if c.compression == "" {
		return rc, nil
	}

	pr, pw := io.Pipe()

	go func() {
		var err error
		switch c.compression {
		case "gzip":
			err = decompressGzip(pw, rc)
		case "zstd":
			err = decompressZstd(pw, rc)
		default:
			err = fmt.Errorf("unsupported compression type: %s", c.compression)
		}
		rc.Close()
		pw.CloseWithError(err)
	}()

	return pr, nil
}

func (c *CompressedBackend) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

func (c *CompressedBackend) Exists(ctx context.Context, key string) (bool, error) {
	return c.backend.Exists(ctx, key)
}

func compressGzip(w io.Writer, r io.Reader) error {
	gw := gzip.NewWriter(w)
	if _, err := io.Copy(gw, r); err != nil {
		gw.Close()
		return err
	}
	// Close flushes the gzip footer, so its error matters.
	return gw.Close()
}

func decompressGzip(w io.Writer, r io.Reader) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close()

	_, err = io.Copy(w, gr)
	return err
}

func compressZstd(w io.Writer, r io.Reader) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func decompressZstd(w io.Writer, r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	_, err = io.Copy(w, zr)
	return err
}
