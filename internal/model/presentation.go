package model

import "time"

// StatusChange is one accepted transition of a task.
type StatusChange struct {
	TaskID string     `json:"task_id"`
	From   TaskStatus `json:"from"`
	To     TaskStatus `json:"to"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// ConfirmationPrompt asks the user to decide on a pending action.
type ConfirmationPrompt struct {
	Action      SensitiveAction `json:"action"`
	BaseRisk    RiskTier        `json:"base_risk"`
	Escalated   bool            `json:"escalated"`
	EscalatedBy string          `json:"escalated_by,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

type TaskError struct {
	TaskID  string    `json:"task_id"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Fatal   bool      `json:"fatal"`
	At      time.Time `json:"at"`
}

type ToolInvocation struct {
	TaskID   string         `json:"task_id"`
	ToolName string         `json:"tool_name"`
	Params   map[string]any `json:"params,omitempty"`
	At       time.Time      `json:"at"`
}

type Toast struct {
	TaskID  string    `json:"task_id"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ProgressUpdate carries a task's merged progress after an event or a
// target rotation.
type ProgressUpdate struct {
	TaskID   string    `json:"task_id"`
	Progress Progress  `json:"progress"`
	At       time.Time `json:"at"`
}
