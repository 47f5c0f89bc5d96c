// Package history provides SQLite-backed storage of per-epoch metric values,
// so a completed or stopped run can be inspected after the fact.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one recorded metric value at an epoch boundary.
type Row struct {
	SessionID  string
	Epoch      int
	GlobalStep int
	Name       string
	Value      float64
	CreatedAt  time.Time
}

// Store provides SQLite-backed storage for epoch metric history.
type Store struct {
	db     *sql.DB
	dbPath string
}

const schema = `
CREATE TABLE IF NOT EXISTS epoch_metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	epoch       INTEGER NOT NULL,
	global_step INTEGER NOT NULL,
	name        TEXT NOT NULL,
	value       REAL NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_epoch_metrics_session ON epoch_metrics(session_id, epoch);
`

// Open creates a Store at the given database path, creating parent
// directories and the schema as needed.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &Store{db: conn, dbPath: dbPath}, nil
}

// RecordEpoch inserts one row per metric for the given epoch boundary.
// Metric names are written in sorted order so the history reads stably.
func (s *Store) RecordEpoch(sessionID string, epoch, globalStep int, values map[string]float64) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO epoch_metrics (session_id, epoch, global_step, name, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := stmt.Exec(sessionID, epoch, globalStep, name, values[name]); err != nil {
			return fmt.Errorf("insert history row for %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// Session returns all rows recorded for a session, ordered by epoch then name.
func (s *Store) Session(sessionID string) ([]Row, error) {
	rows, err := s.db.Query(
		`SELECT session_id, epoch, global_step, name, value, created_at
		 FROM epoch_metrics WHERE session_id = ? ORDER BY epoch, name`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.SessionID, &r.Epoch, &r.GlobalStep, &r.Name, &r.Value, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sessions lists the distinct session IDs present in the store.
func (s *Store) Sessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT session_id FROM epoch_metrics ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
