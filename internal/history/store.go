// Package history persists hook execution records to SQLite and prunes them
// on a retention schedule, optionally archiving pruned rows first.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("execution record not found")

// timeLayout is RFC 3339 with fixed-width nanoseconds. Trailing zeros are
// kept so the stored strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one persisted hook execution.
type Record struct {
	ID           string        `json:"id"`
	BatchID      string        `json:"batch_id"`
	HookName     string        `json:"hook_name"`
	Source       string        `json:"source"`
	Status       string        `json:"status"`
	Success      bool          `json:"success"`
	Duration     time.Duration `json:"duration"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Retries      int           `json:"retries"`
	Cached       bool          `json:"cached"`
	Skipped      bool          `json:"skipped"`
	FallbackUsed bool          `json:"fallback_used"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// Filter narrows a List query. Zero values mean no constraint.
type Filter struct {
	Hook    string
	Status  string
	Source  string
	BatchID string
	Since   time.Time
	Limit   int
	Offset  int
}

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	batch_id      TEXT NOT NULL,
	hook_name     TEXT NOT NULL,
	source        TEXT NOT NULL,
	status        TEXT NOT NULL,
	success       INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL,
	output        TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	exit_code     INTEGER NOT NULL DEFAULT 0,
	retries       INTEGER NOT NULL DEFAULT 0,
	cached        INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	fallback_used INTEGER NOT NULL DEFAULT 0,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_hook ON executions(hook_name);
CREATE INDEX IF NOT EXISTS idx_executions_batch ON executions(batch_id);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
`

// Store handles database operations for execution records.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the history database at path and prepares the
// schema. SQLite works best with a single writer, so the pool is capped at
// one connection.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &Store{db: db}, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Insert stores one execution record.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO executions (
			id, batch_id, hook_name, source, status, success,
			duration_ms, output, error, exit_code, retries,
			cached, skipped, fallback_used, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.BatchID,
		rec.HookName,
		rec.Source,
		rec.Status,
		boolToInt(rec.Success),
		rec.Duration.Milliseconds(),
		rec.Output,
		rec.Error,
		rec.ExitCode,
		rec.Retries,
		boolToInt(rec.Cached),
		boolToInt(rec.Skipped),
		boolToInt(rec.FallbackUsed),
		rec.StartedAt.UTC().Format(timeLayout),
		rec.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting execution record: %w", err)
	}
	return nil
}

const selectColumns = `
	id, batch_id, hook_name, source, status, success,
	duration_ms, output, error, exit_code, retries,
	cached, skipped, fallback_used, started_at, finished_at
`

// Get retrieves one execution record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM executions WHERE id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("querying execution record: %w", err)
	}
	return rec, nil
}

// List retrieves execution records matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM executions WHERE 1=1`
	args := []any{}

	if filter.Hook != "" {
		query += " AND hook_name = ?"
		args = append(args, filter.Hook)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.BatchID != "" {
		query += " AND batch_id = ?"
		args = append(args, filter.BatchID)
	}
	if !filter.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying execution records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating execution records: %w", err)
	}
	return records, nil
}

// ListOlderThan returns up to limit records that started before the cutoff,
// oldest first, for archival before deletion.
func (s *Store) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	query := `SELECT ` + selectColumns + `
		FROM executions
		WHERE started_at < ?
		ORDER BY started_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("querying old execution records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating execution records: %w", err)
	}
	return records, nil
}

// DeleteOlderThan deletes records that started before the cutoff and reports
// how many rows went away.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE started_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old execution records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows, nil
}

// DeleteBatch deletes the given record IDs. The pruner uses this so rows are
// only removed once their archive batch is safely written.
func (s *Store) DeleteBatch(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting execution records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows, nil
}

// Count returns the total number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting execution records: %w", err)
	}
	return n, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var success, cached, skipped, fallbackUsed int
	var durationMs int64
	var startedAt, finishedAt string

	if err := row.Scan(
		&rec.ID,
		&rec.BatchID,
		&rec.HookName,
		&rec.Source,
		&rec.Status,
		&success,
		&durationMs,
		&rec.Output,
		&rec.Error,
		&rec.ExitCode,
		&rec.Retries,
		&cached,
		&skipped,
		&fallbackUsed,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	rec.Success = success != 0
	rec.Cached = cached != 0
	rec.Skipped = skipped != 0
	rec.FallbackUsed = fallbackUsed != 0
	rec.Duration = time.Duration(durationMs) * time.Millisecond

	started, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	rec.StartedAt = started

	finished, err := time.Parse(timeLayout, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	rec.FinishedAt = finished

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
