package cli

import (
	"testing"

	"github.com/perfectuser21/grapnel/internal/config"
)

func TestBuildContext(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		rawJSON string
		want    map[string]any
		wantErr bool
	}{
		{
			name:  "key value pairs",
			pairs: []string{"env=prod", "version=1.4.2"},
			want:  map[string]any{"env": "prod", "version": "1.4.2"},
		},
		{
			name:    "json object",
			rawJSON: `{"regions": ["eu", "us"], "dry_run": true}`,
			want:    map[string]any{"regions": []any{"eu", "us"}, "dry_run": true},
		},
		{
			name:    "pairs override json keys",
			pairs:   []string{"env=staging"},
			rawJSON: `{"env": "prod", "region": "eu"}`,
			want:    map[string]any{"env": "staging", "region": "eu"},
		},
		{
			name:  "value containing equals sign",
			pairs: []string{"query=a=b"},
			want:  map[string]any{"query": "a=b"},
		},
		{
			name: "empty input yields nil context",
			want: nil,
		},
		{
			name:    "missing equals sign",
			pairs:   []string{"just-a-key"},
			wantErr: true,
		},
		{
			name:    "empty key",
			pairs:   []string{"=value"},
			wantErr: true,
		},
		{
			name:    "malformed json",
			rawJSON: `{"env":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildContext(tt.pairs, tt.rawJSON)
			if tt.wantErr {
				if err == nil {
					t.Fatal("buildContext() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildContext() unexpected error: %v", err)
			}
			if tt.want == nil {
				if got != nil {
					t.Fatalf("buildContext() = %v, want nil", got)
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("buildContext() = %v, want %v", got, tt.want)
			}
			for key, want := range tt.want {
				switch want := want.(type) {
				case []any:
					gotSlice, ok := got[key].([]any)
					if !ok || len(gotSlice) != len(want) {
						t.Errorf("buildContext()[%q] = %v, want %v", key, got[key], want)
						continue
					}
					for i := range want {
						if gotSlice[i] != want[i] {
							t.Errorf("buildContext()[%q][%d] = %v, want %v", key, i, gotSlice[i], want[i])
						}
					}
				default:
					if got[key] != want {
						t.Errorf("buildContext()[%q] = %v, want %v", key, got[key], want)
					}
				}
			}
		})
	}
}

func TestArchiveConfigMapping(t *testing.T) {
	cfg := config.ArchiveConfig{
		Backend:     "s3",
		Compression: "zstd",
		Filesystem:  &config.FilesystemArchiveConfig{Path: "/var/lib/grapnel/archive"},
		S3: &config.S3ArchiveConfig{
			Bucket:          "grapnel-archive",
			Region:          "eu-central-1",
			Endpoint:        "http://minio:9000",
			AccessKeyID:     "key",
			SecretAccessKey: "secret",
			UsePathStyle:    true,
		},
	}

	got := archiveConfig(cfg)
	if got.Backend != "s3" || got.Compression != "zstd" {
		t.Errorf("backend/compression = %q/%q, want s3/zstd", got.Backend, got.Compression)
	}
	if got.Path != "/var/lib/grapnel/archive" {
		t.Errorf("path = %q, want filesystem path carried over", got.Path)
	}
	if got.Bucket != "grapnel-archive" || got.Region != "eu-central-1" {
		t.Errorf("bucket/region = %q/%q", got.Bucket, got.Region)
	}
	if got.Endpoint != "http://minio:9000" || !got.UsePathStyle {
		t.Errorf("endpoint = %q, usePathStyle = %v", got.Endpoint, got.UsePathStyle)
	}

	// Nil sections must not panic and leave their fields zero.
	empty := archiveConfig(config.ArchiveConfig{Backend: "filesystem"})
	if empty.Path != "" || empty.Bucket != "" {
		t.Errorf("empty sections = %+v, want zero fields", empty)
	}
}
