package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestBackend(t *testing.T) (*FilesystemBackend, string) {
	t.Helper()
	tmpDir := t.TempDir()
	backend, err := NewFilesystemBackend(tmpDir)
	if err != nil {
		t.Fatalf("NewFilesystemBackend failed: %v", err)
	}
	return backend, tmpDir
}

func TestFilesystemBackend_PutGet(t *testing.T) {
	backend, tmpDir := newTestBackend(t)
	ctx := context.Background()

	data := []byte("test archive content")
	err := backend.Put(ctx, "test-key", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Verify file exists on disk
	expectedPath := filepath.Join(tmpDir, "test-key")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("File not created at expected path: %s", expectedPath)
	}

	rc, err := backend.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()

	retrieved, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	if !bytes.Equal(data, retrieved) {
		t.Errorf("Retrieved data doesn't match. Got %q, want %q", retrieved, data)
	}
}

func TestFilesystemBackend_NestedKeys(t *testing.T) {
	backend, tmpDir := newTestBackend(t)
	ctx := context.Background()

	key := "executions/2026/08/15/batch.jsonl"
	data := []byte("nested")
	if err := backend.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	expectedPath := filepath.Join(tmpDir, "executions", "2026", "08", "15", "batch.jsonl")
	if _, err := os.Stat(expectedPath); err != nil {
		t.Fatalf("File not created at expected path: %v", err)
	}

	rc, err := backend.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()

	retrieved, _ := io.ReadAll(rc)
	if !bytes.Equal(data, retrieved) {
		t.Errorf("Retrieved data doesn't match. Got %q, want %q", retrieved, data)
	}
}

func TestFilesystemBackend_Delete(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	data := []byte("delete me")
	if err := backend.Put(ctx, "test-key", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := backend.Exists(ctx, "test-key")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Fatal("File should exist before delete")
	}

	if err := backend.Delete(ctx, "test-key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = backend.Exists(ctx, "test-key")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Fatal("File should not exist after delete")
	}

	if err := backend.Delete(ctx, "test-key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deleting a missing key should return ErrNotFound, got: %v", err)
	}
}

func TestFilesystemBackend_GetNotFound(t *testing.T) {
	backend, _ := newTestBackend(t)

	_, err := backend.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get should return ErrNotFound for nonexistent key, got: %v", err)
	}
}

func TestFilesystemBackend_PathTraversal(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()
	data := []byte("malicious")

	tests := []struct {
		name string
		key  string
	}{
		{"parent directory", "../etc/passwd"},
		{"absolute path", "/etc/passwd"},
		{"null byte", "test\x00.jsonl"},
		{"double dot", "foo/../../../etc/passwd"},
		{"empty key", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := backend.Put(ctx, tt.key, bytes.NewReader(data), int64(len(data)))
			if err == nil {
				t.Fatalf("Put should reject path traversal attempt: key=%q", tt.key)
			}
			if !strings.Contains(err.Error(), "invalid") {
				t.Errorf("Error should mention 'invalid', got: %v", err)
			}
		})
	}
}
