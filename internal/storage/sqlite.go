package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/axiom/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY,
	parent_id INTEGER NOT NULL DEFAULT 0,
	tool TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	ended_at TIMESTAMP,
	output TEXT,
	error TEXT,
	metadata TEXT
);
CREATE TABLE IF NOT EXISTS interventions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	rule_id TEXT NOT NULL,
	action TEXT NOT NULL,
	matched TEXT,
	created_at TIMESTAMP NOT NULL,
	handled INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_interventions_task ON interventions(task_id);
`

// SQLiteStore persists tasks and interventions in a single SQLite file
// using the pure-Go driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serialises writes; one connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTask(ctx context.Context, task *models.Task) error {
	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, parent_id, tool, prompt, status, started_at, ended_at, output, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			output = excluded.output,
			error = excluded.error,
			metadata = excluded.metadata`,
		task.ID, task.ParentID, task.Tool, task.Prompt, string(task.Status),
		nullTime(task.StartedAt), nullTime(task.EndedAt), task.Output, task.Error, string(meta))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, tool, prompt, status, started_at, ended_at, output, error, metadata
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, tool, prompt, status, started_at, ended_at, output, error, metadata
		FROM tasks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveIntervention(ctx context.Context, iv *models.Intervention) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interventions (task_id, rule_id, action, matched, created_at, handled, success)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		iv.TaskID, iv.Match.RuleID, iv.Action, iv.Match.Matched, iv.Timestamp,
		boolInt(iv.Handled), boolInt(iv.Success))
	if err != nil {
		return fmt.Errorf("save intervention: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListInterventions(ctx context.Context, taskID int64) ([]*models.Intervention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, rule_id, action, matched, created_at, handled, success
		FROM interventions WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []*models.Intervention
	for rows.Next() {
		var iv models.Intervention
		var handled, success int
		if err := rows.Scan(&iv.TaskID, &iv.Match.RuleID, &iv.Action, &iv.Match.Matched,
			&iv.Timestamp, &handled, &success); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		iv.Match.Action = iv.Action
		iv.Handled = handled != 0
		iv.Success = success != 0
		out = append(out, &iv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var status, meta string
	var started, ended sql.NullTime
	err := row.Scan(&task.ID, &task.ParentID, &task.Tool, &task.Prompt, &status,
		&started, &ended, &task.Output, &task.Error, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = models.TaskStatus(status)
	if started.Valid {
		task.StartedAt = started.Time
	}
	if ended.Valid {
		task.EndedAt = ended.Time
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &task.Metadata)
	}
	return &task, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
