package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	task_text TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('idle','queued','thinking','planning','executing','verifying','waiting','confirm','paused','recovering','completed','failed')),
	targets_json TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
	transition_id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS transitions_by_task ON transitions(task_id, transition_id);

CREATE TABLE IF NOT EXISTS sensitive_actions (
	action_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	params_json TEXT,
	risk TEXT NOT NULL CHECK(risk IN ('low','medium','high','critical')),
	timeout_seconds INTEGER NOT NULL CHECK(timeout_seconds > 0),
	created_at TEXT NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS sensitive_actions_by_task ON sensitive_actions(task_id, created_at);

CREATE TABLE IF NOT EXISTS confirmation_results (
	action_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	approved INTEGER NOT NULL CHECK(approved IN (0,1)),
	resolved_by TEXT NOT NULL CHECK(resolved_by IN ('user','timeout')),
	resolved_at TEXT NOT NULL,
	FOREIGN KEY(action_id) REFERENCES sensitive_actions(action_id) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS confirmation_results;
DROP TABLE IF EXISTS sensitive_actions;
DROP TABLE IF EXISTS transitions;
DROP TABLE IF EXISTS tasks;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
