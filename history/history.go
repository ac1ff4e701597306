// Package history keeps a durable record of completed work items in SQLite.
// The registry file tracks the live backlog; this table is the append-only
// audit trail that survives backlog resets.
package history

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbFileName = "history.db"

// Entry is one completed (or failed) work item.
type Entry struct {
	ID          int64     `json:"id"`
	ItemID      string    `json:"item_id"`
	WorkerID    string    `json:"worker_id"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Outcome     string    `json:"outcome"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store is the SQLite-backed completion history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database under the state directory.
func Open(stateDir string) (*Store, error) {
	path := filepath.Join(stateDir, dbFileName)
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS completions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id      TEXT NOT NULL,
		worker_id    TEXT NOT NULL,
		category     TEXT NOT NULL,
		description  TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_completions_worker ON completions(worker_id);
	CREATE INDEX IF NOT EXISTS idx_completions_item ON completions(item_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one completion.
func (s *Store) Record(e Entry) error {
	when := e.CompletedAt
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO completions (item_id, worker_id, category, description, outcome, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ItemID, e.WorkerID, e.Category, e.Description, e.Outcome,
		when.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, item_id, worker_id, category, description, outcome, completed_at
		 FROM completions ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByWorker returns all entries recorded by one worker, oldest first.
func (s *Store) ByWorker(workerID string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, item_id, worker_id, category, description, outcome, completed_at
		 FROM completions WHERE worker_id = ? ORDER BY id`, workerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Counts returns per-outcome totals. The outcome column holds the item's
// final status string, so "completed" is the success case.
func (s *Store) Counts() (succeeded, failed int, err error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM completions GROUP BY outcome`)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return 0, 0, err
		}
		if outcome == "completed" {
			succeeded += n
		} else {
			failed += n
		}
	}
	return succeeded, failed, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var when string
		if err := rows.Scan(&e.ID, &e.ItemID, &e.WorkerID, &e.Category, &e.Description, &e.Outcome, &when); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, when)
		if err != nil {
			return nil, fmt.Errorf("bad completed_at %q: %w", when, err)
		}
		e.CompletedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}
