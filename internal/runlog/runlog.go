// Package runlog persists a per-run history of mirror runs and branch
// outcomes in a local SQLite database. The log is advisory: callers
// degrade recording failures to warnings so a broken database never
// blocks mirroring.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one recorded mirror run.
type Run struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Status         string
	FailedBranches int
}

// BranchRecord is the terminal state of one branch within a run.
type BranchRecord struct {
	RunID      string
	Mirror     string
	Project    string
	Branch     string
	State      string
	Detail     string
	Frozen     string
	RecordedAt time.Time
}

// Store is a SQLite-backed run log.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the run log database at dbPath. Use ":memory:"
// for an in-memory database in tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		status TEXT NOT NULL,
		failed_branches INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS branches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		mirror TEXT NOT NULL,
		project TEXT NOT NULL,
		branch TEXT NOT NULL,
		state TEXT NOT NULL,
		detail TEXT,
		frozen TEXT,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_branches_run_id ON branches(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartRun records a new run in the "running" state.
func (s *Store) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (run_id, started_at, status) VALUES (?, ?, 'running')",
		runID, startedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string, failedBranches int, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, status = ?, failed_branches = ? WHERE run_id = ?",
		finishedAt.Unix(), status, failedBranches, runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// RecordBranch appends the terminal state of one branch.
func (s *Store) RecordBranch(ctx context.Context, rec BranchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := rec.RecordedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO branches (run_id, mirror, project, branch, state, detail, frozen, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.RunID, rec.Mirror, rec.Project, rec.Branch, rec.State, rec.Detail, rec.Frozen, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert branch record: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, started_at, COALESCE(finished_at, 0), status, failed_branches FROM runs ORDER BY started_at DESC, run_id LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.RunID, &started, &finished, &r.Status, &r.FailedBranches); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		if finished > 0 {
			r.FinishedAt = time.Unix(finished, 0)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return runs, nil
}

// BranchesForRun returns the branch records of a run in insertion order.
func (s *Store) BranchesForRun(ctx context.Context, runID string) ([]BranchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, mirror, project, branch, state, COALESCE(detail, ''), COALESCE(frozen, ''), recorded_at FROM branches WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	var records []BranchRecord
	for rows.Next() {
		var rec BranchRecord
		var at int64
		if err := rows.Scan(&rec.RunID, &rec.Mirror, &rec.Project, &rec.Branch, &rec.State, &rec.Detail, &rec.Frozen, &at); err != nil {
			return nil, fmt.Errorf("scan branch record: %w", err)
		}
		rec.RecordedAt = time.Unix(at, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
