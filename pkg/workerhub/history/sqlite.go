package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists attempts to SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS install_attempts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			kind TEXT NOT NULL,
			error TEXT NOT NULL,
			pid INTEGER NOT NULL,
			listeners INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			duration_ns INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_install_attempts_worker
		ON install_attempts(worker_id, seq)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, a Attempt) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Attempt{}, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO install_attempts
			(worker_id, event_id, outcome, kind, error, pid, listeners, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.WorkerID, a.EventID, a.Outcome, a.Kind, a.Error, a.PID, a.Listeners,
		a.StartedAt.UTC().Format(time.RFC3339Nano), int64(a.Duration))
	if err != nil {
		return Attempt{}, fmt.Errorf("record attempt: %w", err)
	}
	if a.Seq, err = res.LastInsertId(); err != nil {
		return Attempt{}, fmt.Errorf("record attempt: %w", err)
	}
	return a, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, workerID string, limit int) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, worker_id, event_id, outcome, kind, error, pid, listeners, started_at, duration_ns
		FROM install_attempts
		WHERE ? = '' OR worker_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, workerID, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var startedAt string
		var durationNS int64
		if err := rows.Scan(&a.Seq, &a.WorkerID, &a.EventID, &a.Outcome, &a.Kind, &a.Error,
			&a.PID, &a.Listeners, &startedAt, &durationNS); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		a.Duration = time.Duration(durationNS)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
