package model

import "time"

// EventType discriminates inbound engine events.
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventError    EventType = "error"
	EventConfirm  EventType = "confirm"
	EventComplete EventType = "complete"
	EventTool     EventType = "tool"
	EventToast    EventType = "toast"
)

// Payload is implemented by every concrete event body. The set is closed.
type Payload interface {
	EventType() EventType
}

// Event is one decoded message from the engine.
type Event struct {
	ID        string
	Type      EventType
	TaskID    string
	Seq       *int64
	Timestamp time.Time
	Payload   Payload
}

type StatusPayload struct {
	Status string `json:"status" cbor:"status"`
	Detail string `json:"detail,omitempty" cbor:"detail,omitempty"`
}

func (StatusPayload) EventType() EventType { return EventStatus }

// ProgressPayload fields are optional; absent fields leave the task untouched.
type ProgressPayload struct {
	Iteration                 *int    `json:"iteration,omitempty" cbor:"iteration,omitempty"`
	MaxIterations             *int    `json:"max_iterations,omitempty" cbor:"max_iterations,omitempty"`
	ToolCallCount             *int    `json:"tool_call_count,omitempty" cbor:"tool_call_count,omitempty"`
	CurrentTarget             *string `json:"current_target,omitempty" cbor:"current_target,omitempty"`
	EstimatedRemainingSeconds *int    `json:"estimated_remaining_seconds,omitempty" cbor:"estimated_remaining_seconds,omitempty"`
}

func (ProgressPayload) EventType() EventType { return EventProgress }

type ErrorPayload struct {
	Message string `json:"message" cbor:"message"`
	Code    string `json:"code,omitempty" cbor:"code,omitempty"`
	Fatal   bool   `json:"fatal,omitempty" cbor:"fatal,omitempty"`
}

func (ErrorPayload) EventType() EventType { return EventError }

// ConfirmPayload is the engine's proposal for a gated operation.
type ConfirmPayload struct {
	ActionID    string         `json:"action_id,omitempty" cbor:"action_id,omitempty"`
	ToolName    string         `json:"tool_name" cbor:"tool_name"`
	Description string         `json:"description" cbor:"description"`
	Params      map[string]any `json:"params,omitempty" cbor:"params,omitempty"`
}

func (ConfirmPayload) EventType() EventType { return EventConfirm }

type CompletePayload struct {
	Success bool   `json:"success" cbor:"success"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}

func (CompletePayload) EventType() EventType { return EventComplete }

type ToolPayload struct {
	ToolName string         `json:"tool_name" cbor:"tool_name"`
	Params   map[string]any `json:"params,omitempty" cbor:"params,omitempty"`
	X        *float64       `json:"x,omitempty" cbor:"x,omitempty"`
	Y        *float64       `json:"y,omitempty" cbor:"y,omitempty"`
}

func (ToolPayload) EventType() EventType { return EventTool }

type ToastPayload struct {
	Level   string `json:"level,omitempty" cbor:"level,omitempty"`
	Message string `json:"message" cbor:"message"`
}

func (ToastPayload) EventType() EventType { return EventToast }

// CursorPosition is the throttled pointer telemetry forwarded to the presentation layer.
type CursorPosition struct {
	TaskID string  `json:"task_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}
