package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/agtpilot/internal/ledger"
	"github.com/g960059/agtpilot/internal/model"
)

func NewStore(t *testing.T) (*ledger.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := ledger.Open(ctx, filepath.Join(t.TempDir(), "agtpilot-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ledger.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedTask records a started task with the given id.
func SeedTask(t *testing.T, store *ledger.Store, ctx context.Context, taskID string, targets ...string) model.AgentTask {
	t.Helper()
	now := time.Now().UTC()
	task := model.AgentTask{
		ID:        taskID,
		TaskText:  "test task " + taskID,
		Status:    model.StatusIdle,
		Targets:   targets,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.RecordTask(ctx, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

// SeedAction records a pending sensitive action for taskID.
func SeedAction(t *testing.T, store *ledger.Store, ctx context.Context, taskID, actionID string, risk model.RiskTier) model.SensitiveAction {
	t.Helper()
	action := model.SensitiveAction{
		ID:             actionID,
		TaskID:         taskID,
		ToolName:       "shell",
		Description:    "run a command",
		Params:         map[string]any{"cmd": "ls"},
		Risk:           risk,
		TimeoutSeconds: 30,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.RecordAction(ctx, action); err != nil {
		t.Fatalf("seed action: %v", err)
	}
	return action
}
