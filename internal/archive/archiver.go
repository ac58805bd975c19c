package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perfectuser21/grapnel/internal/history"
)

// Archiver writes batches of pruned execution records to a Backend, one
// JSON Lines object per batch. It satisfies history.Archiver.
type Archiver struct {
	backend     Backend
	compression string
}

// New assembles an Archiver from the configured backend.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Archiver{
		backend:     backend,
		compression: cfg.Compression,
	}, nil
}

// Archive stores the batch under a date-partitioned key. Batches arrive
// oldest-first from the pruner, so the first record's start time picks the
// partition.
func (a *Archiver) Archive(ctx context.Context, records []*history.Record) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
	}

	key := a.objectKey(records[0].StartedAt)
	if err := a.backend.Put(ctx, key, &buf, int64(buf.Len())); err != nil {
		return fmt.Errorf("storing archive object: %w", err)
	}

	log.Debug().
		Str("key", key).
		Int("records", len(records)).
		Msg("Archived execution records")
	return nil
}

func (a *Archiver) objectKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("executions/%04d/%02d/%02d/%s.jsonl%s",
		t.Year(), int(t.Month()), t.Day(), uuid.New().String(), compressionExt(a.compression))
}

func compressionExt(compression string) string {
	switch compression {
	case "gzip":
		return ".gz"
	case "zstd":
		return ".zst"
	default:
		return ""
	}
}
