// Package storage persists connectivity test runs and their log lines in
// SQLite. The store is append-only: runs get an end time exactly once and
// log lines are never mutated or deleted.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dconeybe/firestore-conntest/internal/conntest"
)

// Store records test runs and their progress lines.
type Store struct {
	db *sql.DB
}

var _ conntest.LogSink = (*Store)(nil)

// Open opens the store at path, creating the schema if needed. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time_ms INTEGER NOT NULL,
			end_time_ms INTEGER
		);

		CREATE TABLE IF NOT EXISTS test_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			test_id INTEGER NOT NULL REFERENCES tests(id),
			elapsed_ms INTEGER NOT NULL,
			message TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS test_logs_by_test ON test_logs(test_id, id);
	`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterTest records a new run and returns its id.
func (s *Store) RegisterTest(startTimeMillis int64) (int64, error) {
	res, err := s.db.Exec("INSERT INTO tests (start_time_ms) VALUES (?)", startTimeMillis)
	if err != nil {
		return 0, fmt.Errorf("failed to register test: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read test id: %w", err)
	}
	return id, nil
}

// SetEndTime records when a run terminated.
func (s *Store) SetEndTime(testID, endTimeMillis int64) error {
	res, err := s.db.Exec("UPDATE tests SET end_time_ms = ? WHERE id = ?", endTimeMillis, testID)
	if err != nil {
		return fmt.Errorf("failed to set end time: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set end time: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("unknown test id %d", testID)
	}
	return nil
}

// AppendLog appends one progress line for a run.
func (s *Store) AppendLog(testID, elapsedMillis int64, message string) error {
	_, err := s.db.Exec(
		"INSERT INTO test_logs (test_id, elapsed_ms, message) VALUES (?, ?, ?)",
		testID, elapsedMillis, message,
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// TestRun is one recorded run.
type TestRun struct {
	ID          int64
	StartTimeMS int64

	// EndTimeMS is nil while the run is still in progress (or was never
	// cleanly terminated).
	EndTimeMS *int64
}

// LogEntry is one recorded progress line.
type LogEntry struct {
	TestID    int64
	ElapsedMS int64
	Message   string
}

// Tests returns every recorded run in registration order.
func (s *Store) Tests() ([]TestRun, error) {
	rows, err := s.db.Query("SELECT id, start_time_ms, end_time_ms FROM tests ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var tests []TestRun
	for rows.Next() {
		var t TestRun
		var end sql.NullInt64
		if err := rows.Scan(&t.ID, &t.StartTimeMS, &end); err != nil {
			return nil, fmt.Errorf("failed to scan test row: %w", err)
		}
		if end.Valid {
			t.EndTimeMS = &end.Int64
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// Logs returns a run's log lines in insertion order.
func (s *Store) Logs(testID int64) ([]LogEntry, error) {
	rows, err := s.db.Query(
		"SELECT test_id, elapsed_ms, message FROM test_logs WHERE test_id = ? ORDER BY id",
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.TestID, &e.ElapsedMS, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
