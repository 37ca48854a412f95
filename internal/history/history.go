// Package history persists a capped log of runs to a SQLite database in
// the artifact directory, so the agent can ask about past executions
// across server restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, registers as "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT NOT NULL,
	spec           TEXT NOT NULL,
	started_at     TEXT NOT NULL,
	duration_ms    INTEGER NOT NULL,
	exit_code      INTEGER NOT NULL,
	outcome        TEXT NOT NULL,
	captured_bytes INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`

// Entry is one recorded execution. Spec is the relative path the agent
// asked for, already validated; free text never enters this table.
type Entry struct {
	RunID         string
	Spec          string
	StartedAt     time.Time
	DurationMs    int64
	ExitCode      int
	Outcome       string
	CapturedBytes int
}

// Store is a run-history log backed by a SQLite file.
type Store struct {
	db   *sql.DB
	keep int
}

// Open creates or opens the history database at path. keep bounds how many
// rows Record retains; older rows are pruned on insert.
func Open(path string, keep int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	// Single writer; the runner serializes runs anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Store{db: db, keep: keep}, nil
}

// Record inserts an entry and prunes rows beyond the retention cap.
func (s *Store) Record(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, spec, started_at, duration_ms, exit_code, outcome, captured_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Spec, e.StartedAt.UTC().Format(time.RFC3339Nano),
		e.DurationMs, e.ExitCode, e.Outcome, e.CapturedBytes)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}

	if s.keep > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?)`,
			s.keep)
		if err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, spec, started_at, duration_ms, exit_code, outcome, captured_bytes
		 FROM runs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var started string
		if err := rows.Scan(&e.RunID, &e.Spec, &started, &e.DurationMs, &e.ExitCode, &e.Outcome, &e.CapturedBytes); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
			e.StartedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
