// Package ledger persists the session audit trail in SQLite: tasks, their
// transitions, proposed sensitive actions and how each was resolved.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/agtpilot/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Store struct {
	db   *sql.DB
	path string
}

// Confirmation pairs a proposed action with its result, if any.
type Confirmation struct {
	Action model.SensitiveAction     `json:"action"`
	Result *model.ConfirmationResult `json:"result,omitempty"`
}

// Open opens the ledger at path. An empty path keeps the ledger in memory
// for the life of the process.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: an in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if path != "" {
		if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
			_ = db.Close()
			return nil, fmt.Errorf("chmod ledger: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Path() string {
	return s.path
}

// RecordTask inserts a task or refreshes its mutable columns.
func (s *Store) RecordTask(ctx context.Context, task model.AgentTask) error {
	targets, err := json.Marshal(nonNil(task.Targets))
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks(task_id, task_text, status, targets_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	status = excluded.status,
	targets_json = excluded.targets_json,
	updated_at = excluded.updated_at
`, task.ID, task.TaskText, string(task.Status), string(targets), ts(task.CreatedAt), ts(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// RecordTransition appends a transition and moves the task's stored status.
func (s *Store) RecordTransition(ctx context.Context, change model.StatusChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
		string(change.To), ts(change.At), change.TaskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", change.TaskID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO transitions(task_id, from_status, to_status, reason, at)
VALUES (?, ?, ?, ?, ?)
`, change.TaskID, string(change.From), string(change.To), change.Reason, ts(change.At)); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return tx.Commit()
}

// RecordAction stores a proposed action. Params are expected to be redacted
// already.
func (s *Store) RecordAction(ctx context.Context, action model.SensitiveAction) error {
	var params any
	if len(action.Params) > 0 {
		raw, err := json.Marshal(action.Params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		params = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sensitive_actions(action_id, task_id, tool_name, description, params_json, risk, timeout_seconds, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, action.ID, action.TaskID, action.ToolName, action.Description, params, string(action.Risk), action.TimeoutSeconds, ts(action.CreatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("action %s: %w", action.ID, ErrDuplicate)
		}
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// RecordResult stores the single result of an action. A second result for
// the same action is rejected with ErrDuplicate.
func (s *Store) RecordResult(ctx context.Context, result model.ConfirmationResult) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO confirmation_results(action_id, task_id, approved, resolved_by, resolved_at)
VALUES (?, ?, ?, ?, ?)
`, result.ActionID, result.TaskID, boolToInt(result.Approved), string(result.ResolvedBy), ts(result.Timestamp))
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("result for %s: %w", result.ActionID, ErrDuplicate)
		}
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (model.AgentTask, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, task_text, status, targets_json, created_at, updated_at
FROM tasks WHERE task_id = ?
`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AgentTask{}, ErrNotFound
	}
	return task, err
}

// ListTasks returns tasks newest first, at most limit of them when limit is
// positive.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]model.AgentTask, error) {
	query := `
SELECT task_id, task_text, status, targets_json, created_at, updated_at
FROM tasks ORDER BY created_at DESC, task_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []model.AgentTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Store) ListTransitions(ctx context.Context, taskID string) ([]model.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, from_status, to_status, reason, at
FROM transitions WHERE task_id = ? ORDER BY transition_id
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	out := []model.StatusChange{}
	for rows.Next() {
		var (
			change   model.StatusChange
			from, to string
			at       string
		)
		if err := rows.Scan(&change.TaskID, &from, &to, &change.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		change.From = model.TaskStatus(from)
		change.To = model.TaskStatus(to)
		if change.At, err = parseTS(at); err != nil {
			return nil, err
		}
		out = append(out, change)
	}
	return out, rows.Err()
}

// ListConfirmations returns actions in proposal order with their results.
// An empty taskID lists every task.
func (s *Store) ListConfirmations(ctx context.Context, taskID string) ([]Confirmation, error) {
	query := `
SELECT a.action_id, a.task_id, a.tool_name, a.description, a.params_json, a.risk, a.timeout_seconds, a.created_at,
	r.approved, r.resolved_by, r.resolved_at
FROM sensitive_actions a
LEFT JOIN confirmation_results r ON r.action_id = a.action_id`
	args := []any{}
	if taskID != "" {
		query += ` WHERE a.task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY a.created_at, a.action_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	defer rows.Close()

	out := []Confirmation{}
	for rows.Next() {
		var (
			c          Confirmation
			params     sql.NullString
			risk       string
			createdAt  string
			approved   sql.NullInt64
			resolvedBy sql.NullString
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&c.Action.ID, &c.Action.TaskID, &c.Action.ToolName, &c.Action.Description, &params,
			&risk, &c.Action.TimeoutSeconds, &createdAt, &approved, &resolvedBy, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		c.Action.Risk = model.RiskTier(risk)
		if c.Action.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &c.Action.Params); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		if approved.Valid {
			result := model.ConfirmationResult{
				ActionID:   c.Action.ID,
				TaskID:     c.Action.TaskID,
				Approved:   approved.Int64 == 1,
				ResolvedBy: model.ResolvedBy(resolvedBy.String),
			}
			if result.Timestamp, err = parseTS(resolvedAt.String); err != nil {
				return nil, err
			}
			c.Result = &result
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (model.AgentTask, error) {
	var (
		task                 model.AgentTask
		status, targets      string
		createdAt, updatedAt string
	)
	if err := row.Scan(&task.ID, &task.TaskText, &status, &targets, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentTask{}, err
		}
		return model.AgentTask{}, fmt.Errorf("scan task: %w", err)
	}
	task.Status = model.TaskStatus(status)
	if err := json.Unmarshal([]byte(targets), &task.Targets); err != nil {
		return model.AgentTask{}, fmt.Errorf("decode targets: %w", err)
	}
	var err error
	if task.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.AgentTask{}, err
	}
	if task.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.AgentTask{}, err
	}
	if len(task.Targets) > 0 {
		task.Progress.CurrentTarget = task.Targets[0]
	}
	return task, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
