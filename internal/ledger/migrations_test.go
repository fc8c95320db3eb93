package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// Applying twice is a no-op.
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}

	mustExist := []string{"tasks", "transitions", "sensitive_actions", "confirmation_results"}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}

	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}
}

func TestCoreConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO tasks(task_id, task_text, status, created_at, updated_at) VALUES ('t1', 'x', 'sleeping', 'now', 'now')`); err == nil {
		t.Fatalf("expected status check to reject unknown status")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO tasks(task_id, task_text, status, created_at, updated_at) VALUES ('t1', 'x', 'idle', 'now', 'now')`); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO sensitive_actions(action_id, task_id, tool_name, risk, timeout_seconds, created_at) VALUES ('a1', 't1', 'shell', 'extreme', 30, 'now')`); err == nil {
		t.Fatalf("expected risk check to reject unknown tier")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO sensitive_actions(action_id, task_id, tool_name, risk, timeout_seconds, created_at) VALUES ('a1', 't1', 'shell', 'low', 0, 'now')`); err == nil {
		t.Fatalf("expected timeout check to reject zero timeout")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO sensitive_actions(action_id, task_id, tool_name, risk, timeout_seconds, created_at) VALUES ('a1', 'missing', 'shell', 'low', 30, 'now')`); err == nil {
		t.Fatalf("expected foreign key to reject unknown task")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO sensitive_actions(action_id, task_id, tool_name, risk, timeout_seconds, created_at) VALUES ('a1', 't1', 'shell', 'low', 30, 'now')`); err != nil {
		t.Fatalf("insert action: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO confirmation_results(action_id, task_id, approved, resolved_by, resolved_at) VALUES ('a1', 't1', 1, 'system', 'now')`); err == nil {
		t.Fatalf("expected resolved_by check to reject unknown resolver")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO confirmation_results(action_id, task_id, approved, resolved_by, resolved_at) VALUES ('a1', 't1', 1, 'user', 'now')`); err != nil {
		t.Fatalf("insert result: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO confirmation_results(action_id, task_id, approved, resolved_by, resolved_at) VALUES ('a1', 't1', 0, 'timeout', 'now')`); err == nil {
		t.Fatalf("expected second result for the same action to be rejected")
	}
}
