package api

import (
	"time"

	"github.com/g960059/agtpilot/internal/model"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type StartTaskRequest struct {
	TaskText string   `json:"task_text"`
	Targets  []string `json:"targets,omitempty"`
}

// TaskItem is a task plus the action awaiting confirmation, if any.
type TaskItem struct {
	model.AgentTask
	Active        bool                   `json:"active"`
	PendingAction *model.SensitiveAction `json:"pending_action,omitempty"`
}

type TaskResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Task          TaskItem  `json:"task"`
}

type TasksEnvelope struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	ActiveTaskID  string     `json:"active_task_id,omitempty"`
	Tasks         []TaskItem `json:"tasks"`
}

type StopRequest struct {
	TaskID string `json:"task_id,omitempty"`
}

type CommandResponse struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Command       string               `json:"command"`
	Outcome       model.CommandOutcome `json:"outcome"`
}

type TriggerRequest struct {
	Source  string `json:"source"`
	Key     string `json:"key,omitempty"`
	Command string `json:"command,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

type TriggerResponse struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Command       string               `json:"command,omitempty"`
	Ignored       bool                 `json:"ignored"`
	Reason        string               `json:"reason,omitempty"`
	Outcome       model.CommandOutcome `json:"outcome"`
}

// EventRejection explains why one event of a posted batch was dropped.
type EventRejection struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type EventsResponse struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Accepted      int              `json:"accepted"`
	Rejected      []EventRejection `json:"rejected,omitempty"`
}

type ConfirmationItem struct {
	Action model.SensitiveAction     `json:"action"`
	Result *model.ConfirmationResult `json:"result,omitempty"`
}

type ConfirmationsEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Confirmations []ConfirmationItem `json:"confirmations"`
}

type TransitionsEnvelope struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	TaskID        string               `json:"task_id"`
	Transitions   []model.StatusChange `json:"transitions"`
}

// KeyBinding lists the chords bound to one dispatcher command. Chords is
// empty for a command reachable only from menus.
type KeyBinding struct {
	Command string   `json:"command"`
	Chords  []string `json:"chords"`
}

type KeymapResponse struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Bindings      []KeyBinding `json:"bindings"`
}

// HistoryEnvelope lists recorded tasks, newest first, with the status they
// last reached.
type HistoryEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Tasks         []model.AgentTask `json:"tasks"`
}

// StreamFrame is one message on the presentation websocket. Batched
// channels carry a JSON array payload.
type StreamFrame struct {
	StreamID  string    `json:"stream_id"`
	Sequence  int64     `json:"sequence"`
	Channel   string    `json:"channel"`
	EmittedAt time.Time `json:"emitted_at"`
	Payload   any       `json:"payload"`
}
