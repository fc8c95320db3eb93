package model

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of an AgentTask.
type TaskStatus string

const (
	StatusIdle       TaskStatus = "idle"
	StatusQueued     TaskStatus = "queued"
	StatusThinking   TaskStatus = "thinking"
	StatusPlanning   TaskStatus = "planning"
	StatusExecuting  TaskStatus = "executing"
	StatusVerifying  TaskStatus = "verifying"
	StatusWaiting    TaskStatus = "waiting"
	StatusConfirm    TaskStatus = "confirm"
	StatusPaused     TaskStatus = "paused"
	StatusRecovering TaskStatus = "recovering"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no transition may leave s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanonicalStatus maps engine spellings onto a TaskStatus.
func CanonicalStatus(raw string) (TaskStatus, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch TaskStatus(normalized) {
	case StatusIdle, StatusQueued, StatusThinking, StatusPlanning, StatusExecuting,
		StatusVerifying, StatusWaiting, StatusConfirm, StatusPaused, StatusRecovering,
		StatusCompleted, StatusFailed:
		return TaskStatus(normalized), true
	}
	switch normalized {
	case "complete", "done", "succeeded":
		return StatusCompleted, true
	case "error", "fail":
		return StatusFailed, true
	case "recovered":
		return StatusThinking, true
	default:
		return "", false
	}
}

type Progress struct {
	Iteration                 int    `json:"iteration"`
	MaxIterations             int    `json:"max_iterations"`
	ToolCallCount             int    `json:"tool_call_count"`
	CurrentTarget             string `json:"current_target,omitempty"`
	EstimatedRemainingSeconds *int   `json:"estimated_remaining_seconds,omitempty"`
}

type AgentTask struct {
	ID        string     `json:"id"`
	TaskText  string     `json:"task_text"`
	Status    TaskStatus `json:"status"`
	Progress  Progress   `json:"progress"`
	Targets   []string   `json:"targets"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with t.
func (t AgentTask) Clone() AgentTask {
	out := t
	out.Targets = append([]string(nil), t.Targets...)
	if t.Progress.EstimatedRemainingSeconds != nil {
		v := *t.Progress.EstimatedRemainingSeconds
		out.Progress.EstimatedRemainingSeconds = &v
	}
	return out
}

type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

var riskOrder = []RiskTier{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// ParseRiskTier accepts a tier name in any case.
func ParseRiskTier(raw string) (RiskTier, bool) {
	tier := RiskTier(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range riskOrder {
		if tier == known {
			return tier, true
		}
	}
	return "", false
}

// Escalate returns the next tier up; critical stays critical.
func (r RiskTier) Escalate() RiskTier {
	for i, known := range riskOrder {
		if known == r && i+1 < len(riskOrder) {
			return riskOrder[i+1]
		}
	}
	return r
}

type SensitiveAction struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"task_id"`
	ToolName       string         `json:"tool_name"`
	Description    string         `json:"description"`
	Params         map[string]any `json:"params,omitempty"`
	Risk           RiskTier       `json:"risk"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (a SensitiveAction) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (a SensitiveAction) ExpiresAt() time.Time {
	return a.CreatedAt.Add(a.Timeout())
}

type ResolvedBy string

const (
	ResolvedByUser    ResolvedBy = "user"
	ResolvedByTimeout ResolvedBy = "timeout"
)

type ConfirmationResult struct {
	ActionID   string     `json:"action_id"`
	TaskID     string     `json:"task_id"`
	Approved   bool       `json:"approved"`
	Timestamp  time.Time  `json:"timestamp"`
	ResolvedBy ResolvedBy `json:"resolved_by"`
}

// CommandType names an instruction sent from the control surface to the engine.
type CommandType string

const (
	CommandStart       CommandType = "start"
	CommandStop        CommandType = "stop"
	CommandPause       CommandType = "pause"
	CommandResume      CommandType = "resume"
	CommandApprove     CommandType = "approve"
	CommandDeny        CommandType = "deny"
	CommandCycleTarget CommandType = "cycleTarget"
)

type Command struct {
	Type     CommandType `json:"type"`
	TaskID   string      `json:"task_id"`
	ActionID string      `json:"action_id,omitempty"`
	TaskText string      `json:"task_text,omitempty"`
	Targets  []string    `json:"targets,omitempty"`
	Target   string      `json:"target,omitempty"`
	IssuedAt time.Time   `json:"issued_at"`
}

// CommandOutcome reports what a controller command did. Commands never fail;
// a no-op carries the reason it was skipped.
type CommandOutcome struct {
	Applied bool   `json:"applied"`
	TaskID  string `json:"task_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Reasons attached to skipped commands and dropped events.
const (
	ReasonNoActiveTask      = "no_active_task"
	ReasonUnknownTask       = "unknown_task"
	ReasonNoPendingAction   = "no_pending_action"
	ReasonTerminal          = "terminal"
	ReasonNotPaused         = "not_paused"
	ReasonAlreadyPaused     = "already_paused"
	ReasonNoTargets         = "no_targets"
	ReasonLateDecision      = "late_decision"
	ReasonLateEvent         = "late_event"
	ReasonOutOfOrder        = "out_of_order"
	ReasonInvalidTransition = "invalid_transition"
	ReasonPendingAction     = "pending_action"
	ReasonInvalidPayload    = "invalid_payload"
	ReasonClosed            = "closed"
)

// OrderKey is the sortable key used for deterministic apply order.
type OrderKey struct {
	HasSeq     bool
	Seq        int64
	EventTime  time.Time
	IngestedAt time.Time
	EventID    string
}

// Error codes defined by API contract.
const (
	ErrRefInvalid          = "E_REF_INVALID"
	ErrRefNotFound         = "E_REF_NOT_FOUND"
	ErrPreconditionFailed  = "E_PRECONDITION_FAILED"
	ErrProtocolViolation   = "E_PROTOCOL_VIOLATION"
	ErrEngineUnavailable   = "E_ENGINE_UNAVAILABLE"
	ErrUnsupportedEncoding = "E_UNSUPPORTED_ENCODING"
	ErrOutOfOrder          = "E_OUT_OF_ORDER"
	ErrLateEvent           = "E_LATE_EVENT"
)
