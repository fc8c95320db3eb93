package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/g960059/agtpilot/internal/model"
)

func TestIsNewer(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(seq int64, hasSeq bool, at time.Time, id string) model.OrderKey {
		return model.OrderKey{HasSeq: hasSeq, Seq: seq, EventTime: at, IngestedAt: base, EventID: id}
	}

	cases := []struct {
		name      string
		candidate model.OrderKey
		stored    model.OrderKey
		want      bool
	}{
		{"higher seq wins over older time", key(2, true, base, "b"), key(1, true, base.Add(time.Second), "a"), true},
		{"lower seq loses", key(1, true, base.Add(time.Second), "b"), key(2, true, base, "a"), false},
		{"time decides without seq", key(0, false, base.Add(time.Millisecond), "a"), key(0, false, base, "b"), true},
		{"older time loses", key(0, false, base, "a"), key(0, false, base.Add(time.Millisecond), "b"), false},
		{"same instant distinct event", key(0, false, base, "a"), key(0, false, base, "b"), true},
		{"replay of same event", key(0, false, base, "a"), key(0, false, base, "a"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isNewer(tc.candidate, tc.stored))
		})
	}
}

func TestBuildOrderKeyClampsSkew(t *testing.T) {
	ingested := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seq := int64(4)

	near := buildOrderKey(model.Event{ID: "e", Seq: &seq, Timestamp: ingested.Add(-time.Second)}, ingested, orderSkewBudget)
	assert.True(t, near.HasSeq)
	assert.Equal(t, int64(4), near.Seq)
	assert.Equal(t, ingested.Add(-time.Second), near.EventTime)

	far := buildOrderKey(model.Event{ID: "e", Timestamp: ingested.Add(-time.Hour)}, ingested, orderSkewBudget)
	assert.Equal(t, ingested, far.EventTime)

	missing := buildOrderKey(model.Event{ID: "e"}, ingested, orderSkewBudget)
	assert.Equal(t, ingested, missing.EventTime)
}

func TestEngineCanTransition(t *testing.T) {
	assert.True(t, engineCanTransition(model.StatusThinking, model.StatusPlanning))
	assert.True(t, engineCanTransition(model.StatusVerifying, model.StatusCompleted))
	assert.True(t, engineCanTransition(model.StatusRecovering, model.StatusThinking))
	assert.True(t, engineCanTransition(model.StatusExecuting, model.StatusFailed))
	assert.False(t, engineCanTransition(model.StatusThinking, model.StatusExecuting))
	assert.False(t, engineCanTransition(model.StatusExecuting, model.StatusConfirm))
	assert.False(t, engineCanTransition(model.StatusConfirm, model.StatusExecuting))
	assert.False(t, engineCanTransition(model.StatusQueued, model.StatusFailed))
	assert.False(t, engineCanTransition(model.StatusCompleted, model.StatusThinking))
	assert.False(t, engineCanTransition(model.StatusFailed, model.StatusFailed))
}
