// Package store is the append-only sqlite journal of board events, finished
// executions and batch runs. It is written while a session runs and read by
// the log and history commands; the board itself is never reloaded from it.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/imkarma/cardflow/internal/board"
)

// Store provides access to the journal database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode so the log command can read while a session writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		batch_id    TEXT DEFAULT '',
		event_type  TEXT NOT NULL,
		title       TEXT DEFAULT '',
		content     TEXT DEFAULT '',
		timestamp   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS events_task ON events(task_id);

	CREATE TABLE IF NOT EXISTS executions (
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL,
		type          TEXT NOT NULL,
		status        TEXT NOT NULL,
		agent_id      TEXT DEFAULT '',
		error         TEXT DEFAULT '',
		started_at    DATETIME NOT NULL,
		completed_at  DATETIME
	);

	CREATE TABLE IF NOT EXISTS runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id    TEXT NOT NULL,
		parent_id   TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'running',
		task_count  INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		started_at  DATETIME NOT NULL,
		ended_at    DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddEvent journals a board event.
func (s *Store) AddEvent(ev board.Event) error {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO events (task_id, batch_id, event_type, title, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Task.ID, ev.Task.BatchID, string(ev.Type), ev.Task.Title, eventContent(ev), ts,
	)
	if err != nil {
		return fmt.Errorf("add event: %w", err)
	}
	return nil
}

// GetEvents returns all events for a task, oldest first.
func (s *Store) GetEvents(taskID string) ([]Event, error) {
	return s.queryEvents(
		`SELECT id, task_id, batch_id, event_type, title, content, timestamp FROM events WHERE task_id = ? ORDER BY id`,
		taskID,
	)
}

// RecentEvents returns the latest limit events across all tasks, oldest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	return s.queryEvents(
		`SELECT id, task_id, batch_id, event_type, title, content, timestamp FROM
		 (SELECT * FROM events ORDER BY id DESC LIMIT ?) ORDER BY id`,
		limit,
	)
}

func (s *Store) queryEvents(query string, args ...any) ([]Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.BatchID, &e.Type, &e.Title, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordExecution journals a finished execution. Recording the same id twice
// keeps the latest state.
func (s *Store) RecordExecution(exec board.Execution) error {
	var completed sql.NullTime
	if exec.CompletedAt != nil {
		completed = sql.NullTime{Time: *exec.CompletedAt, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO executions (id, task_id, type, status, agent_id, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TaskID, string(exec.Type), string(exec.Status), exec.AgentID, exec.Error, exec.StartedAt, completed,
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// ListExecutions returns journaled executions, newest first. An empty taskID
// lists all tasks.
func (s *Store) ListExecutions(taskID string, limit int) ([]board.Execution, error) {
	query := `SELECT id, task_id, type, status, agent_id, error, started_at, completed_at FROM executions`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []board.Execution
	for rows.Next() {
		var e board.Execution
		var typ, status string
		var completed sql.NullTime
		if err := rows.Scan(&e.ID, &e.TaskID, &typ, &status, &e.AgentID, &e.Error, &e.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Type = board.ExecutionType(typ)
		e.Status = board.ExecutionStatus(status)
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Batch run tracking ---

// StartRun records a batch about to be sequenced.
func (s *Store) StartRun(batchID, parentID string, taskCount int) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO runs (batch_id, parent_id, status, task_count, started_at) VALUES (?, ?, 'running', ?, ?)`,
		batchID, parentID, taskCount, now,
	)
	if err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// EndRun marks a run finished with its outcome.
func (s *Store) EndRun(runID int64, status RunStatus, failed int) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, failed = ?, ended_at = ? WHERE id = ?`,
		string(status), failed, now, runID,
	)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// ListRuns returns the latest runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	return s.queryRuns(
		`SELECT id, batch_id, parent_id, status, task_count, failed, started_at, ended_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit,
	)
}

// ListInterruptedRuns returns runs still marked running. A session that
// exited cleanly never leaves any behind.
func (s *Store) ListInterruptedRuns() ([]Run, error) {
	return s.queryRuns(
		`SELECT id, batch_id, parent_id, status, task_count, failed, started_at, ended_at
		 FROM runs WHERE status = 'running' ORDER BY id DESC`,
	)
}

func (s *Store) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.BatchID, &r.ParentID, &r.Status, &r.TaskCount, &r.Failed, &r.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func eventContent(ev board.Event) string {
	if ev.Message != "" {
		return ev.Message
	}
	if ev.From != "" || ev.To != "" {
		return fmt.Sprintf("%s -> %s", ev.From, ev.To)
	}
	return ""
}
