// Package state provides the SQLite-backed persistence collaborator. The
// engine's in-memory view stays authoritative: a failing store flips to
// degraded mode and keeps accepting calls as best-effort no-ops instead of
// ever blocking dispatch.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/drover-dev/drover/pkg/models"
)

// DB wraps an SQLite database holding terminal and in-flight task records.
type DB struct {
	conn     *sql.DB
	path     string
	degraded atomic.Bool
}

// DefaultPath returns the default database location under XDG data.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "drover", "drover.db")
}

// Open opens (and migrates) the database at path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	specialization TEXT NOT NULL,
	priority       INTEGER NOT NULL,
	status         TEXT NOT NULL,
	payload        TEXT,
	depends_on     TEXT,
	assigned_agent TEXT,
	result         TEXT,
	error          TEXT,
	workflow_id    TEXT,
	created_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks(workflow_id);
`
	if _, err := d.conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Degraded reports whether a previous store failure flipped the DB into
// degraded mode.
func (d *DB) Degraded() bool {
	return d.degraded.Load()
}

// fail records a store failure and marks the DB degraded.
func (d *DB) fail(op string, err error) error {
	d.degraded.Store(true)
	return fmt.Errorf("%s: %w", op, err)
}

// SaveTask inserts a task record.
func (d *DB) SaveTask(task *models.Task) error {
	payload, dependsOn, err := encodeFields(task)
	if err != nil {
		return d.fail("save task", err)
	}
	_, err = d.conn.Exec(`
		INSERT INTO tasks (id, specialization, priority, status, payload, depends_on,
			assigned_agent, result, error, workflow_id, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Specialization), task.Priority, string(task.Status),
		payload, dependsOn, task.AssignedAgent, task.Result, task.Error,
		task.WorkflowID, task.CreatedAt, completedAt(task))
	if err != nil {
		return d.fail("save task", err)
	}
	d.degraded.Store(false)
	return nil
}

// UpdateTask rewrites the mutable columns of a task record.
func (d *DB) UpdateTask(task *models.Task) error {
	_, err := d.conn.Exec(`
		UPDATE tasks SET status = ?, assigned_agent = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		string(task.Status), task.AssignedAgent, task.Result, task.Error,
		completedAt(task), task.ID)
	if err != nil {
		return d.fail("update task", err)
	}
	d.degraded.Store(false)
	return nil
}

// LoadTask reads one task record by ID. Returns sql.ErrNoRows when absent.
func (d *DB) LoadTask(id string) (*models.Task, error) {
	row := d.conn.QueryRow(`
		SELECT id, specialization, priority, status, payload, depends_on,
			assigned_agent, result, error, workflow_id, created_at, completed_at
		FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, d.fail("load task", err)
	}
	return task, nil
}

// QueryFilter narrows QueryTasks results. Zero values match everything.
type QueryFilter struct {
	Status     models.TaskStatus
	WorkflowID string
}

// QueryTasks returns task records matching the filter, oldest first.
func (d *DB) QueryTasks(filter QueryFilter) ([]*models.Task, error) {
	query := `
		SELECT id, specialization, priority, status, payload, depends_on,
			assigned_agent, result, error, workflow_id, created_at, completed_at
		FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	query += " ORDER BY created_at"

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, d.fail("query tasks", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, d.fail("query tasks", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, d.fail("query tasks", err)
	}
	return out, nil
}

// DeleteTerminalBefore removes terminal task records older than cutoff.
// Mirrors the scheduler's retention sweep.
func (d *DB) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	res, err := d.conn.Exec(`
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, d.fail("delete terminal tasks", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var (
		task        models.Task
		spec        string
		status      string
		payload     sql.NullString
		dependsOn   sql.NullString
		completedAt sql.NullTime
	)
	err := s.Scan(&task.ID, &spec, &task.Priority, &status, &payload, &dependsOn,
		&task.AssignedAgent, &task.Result, &task.Error, &task.WorkflowID,
		&task.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	task.Specialization = models.Specialization(spec)
	task.Status = models.TaskStatus(status)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for task %s: %w", task.ID, err)
		}
	}
	if dependsOn.Valid && dependsOn.String != "" {
		if err := json.Unmarshal([]byte(dependsOn.String), &task.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on for task %s: %w", task.ID, err)
		}
	}
	if completedAt.Valid {
		at := completedAt.Time
		task.CompletedAt = &at
	}
	return &task, nil
}

func encodeFields(task *models.Task) (payload, dependsOn string, err error) {
	if task.Payload != nil {
		raw, err := json.Marshal(task.Payload)
		if err != nil {
			return "", "", fmt.Errorf("encode payload: %w", err)
		}
		payload = string(raw)
	}
	if len(task.DependsOn) > 0 {
		raw, err := json.Marshal(task.DependsOn)
		if err != nil {
			return "", "", fmt.Errorf("encode depends_on: %w", err)
		}
		dependsOn = string(raw)
	}
	return payload, dependsOn, nil
}

func completedAt(task *models.Task) any {
	if task.CompletedAt == nil {
		return nil
	}
	return *task.CompletedAt
}
