package dispatch

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Journal records each dispatched task in a SQLite file for later
// inspection. A nil *Journal disables recording.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// JournalEntry is one recorded task.
type JournalEntry struct {
	ID         int64
	Operation  string
	Worker     int
	Outcome    string
	DurationMs int64
	CreatedAt  time.Time
}

// OpenJournal opens (creating if needed) a task journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open journal: %w", err)
	}

	// Busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("dispatch: set busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		worker INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("dispatch: create journal table: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record appends one task row.
func (j *Journal) Record(operation string, worker int, outcome string, d time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		"INSERT INTO tasks (operation, worker, outcome, duration_ms) VALUES (?, ?, ?, ?)",
		operation, worker, outcome, d.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("dispatch: record task: %w", err)
	}
	return nil
}

// Tail returns the most recent n entries, newest first.
func (j *Journal) Tail(n int) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		"SELECT id, operation, worker, outcome, duration_ms, created_at FROM tasks ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("dispatch: query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.Operation, &e.Worker, &e.Outcome, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispatch: scan journal row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}
