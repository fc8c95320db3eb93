package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/g960059/agtpilot/internal/model"
	"github.com/g960059/agtpilot/internal/security"
)

// Apply folds one engine event into its task. Rejected events are logged
// and reported through the returned error; they never change state.
func (c *Controller) Apply(ev model.Event) error {
	if ev.Payload == nil {
		return c.violation(ev, model.ReasonInvalidPayload, "event has no payload")
	}
	if ev.Type == "" {
		ev.Type = ev.Payload.EventType()
	}
	if ev.Type != ev.Payload.EventType() {
		return c.violation(ev, model.ReasonInvalidPayload, fmt.Sprintf("payload is %s", ev.Payload.EventType()))
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	ts, ok := c.tasks[ev.TaskID]
	if !ok {
		if _, finished := c.archive.Peek(ev.TaskID); finished {
			c.metrics.EventDropped(string(ev.Type), model.ReasonLateEvent)
			c.log.V(1).Info("late event dropped", "task_id", ev.TaskID, "event_type", ev.Type, "event_id", ev.ID)
			return fmt.Errorf("%w: %s", ErrLateEvent, ev.TaskID)
		}
		return c.violation(ev, model.ReasonUnknownTask, "unknown task")
	}
	if !started(ts.task.Status) {
		return c.violation(ev, model.ReasonInvalidTransition, "task not started")
	}

	now := c.clock.Now()
	key := buildOrderKey(ev, now, orderSkewBudget)
	if last, seen := ts.lastKeys[ev.Type]; seen && !isNewer(key, last) {
		c.metrics.EventDropped(string(ev.Type), model.ReasonOutOfOrder)
		c.log.V(1).Info("out-of-order event dropped", "task_id", ev.TaskID, "event_type", ev.Type, "event_id", ev.ID)
		return ErrOutOfOrder
	}

	var err error
	switch payload := ev.Payload.(type) {
	case model.StatusPayload:
		err = c.applyStatusLocked(ts, ev, payload)
	case model.ProgressPayload:
		c.applyProgressLocked(ts, payload)
	case model.ErrorPayload:
		c.applyErrorLocked(ts, payload)
	case model.ConfirmPayload:
		err = c.applyConfirmLocked(ts, ev, payload)
	case model.CompletePayload:
		c.applyCompleteLocked(ts, payload)
	case model.ToolPayload:
		c.applyToolLocked(ts, payload)
	case model.ToastPayload:
		c.publishLocked(ChannelAgentToast, model.Toast{TaskID: ts.task.ID, Level: payload.Level, Message: payload.Message, At: now})
	default:
		err = c.violation(ev, model.ReasonInvalidPayload, fmt.Sprintf("unsupported payload %T", payload))
	}
	if err != nil {
		return err
	}
	ts.lastKeys[ev.Type] = key
	ts.task.UpdatedAt = now
	c.metrics.EventApplied(string(ev.Type))
	return nil
}

func (c *Controller) applyStatusLocked(ts *taskState, ev model.Event, payload model.StatusPayload) error {
	to, ok := model.CanonicalStatus(payload.Status)
	if !ok {
		return c.violation(ev, model.ReasonInvalidPayload, fmt.Sprintf("unknown status %q", payload.Status))
	}
	from := ts.status()
	if to == from || (to == model.StatusPaused && ts.task.Status == model.StatusPaused) {
		return nil
	}
	if ts.pending != nil && !to.Terminal() {
		return c.violation(ev, model.ReasonPendingAction, fmt.Sprintf("%s while awaiting confirmation", to))
	}
	if !engineCanTransition(from, to) {
		return c.violation(ev, model.ReasonInvalidTransition, fmt.Sprintf("%s -> %s", from, to))
	}
	reason := "engine"
	if payload.Detail != "" {
		reason = "engine: " + payload.Detail
	}
	if to.Terminal() {
		c.cancelPendingLocked(ts)
		c.setStatusLocked(ts, to, reason)
		c.finishLocked(ts)
		return nil
	}
	c.setStatusLocked(ts, to, reason)
	return nil
}

func (c *Controller) applyProgressLocked(ts *taskState, payload model.ProgressPayload) {
	p := &ts.task.Progress
	if payload.Iteration != nil && *payload.Iteration > p.Iteration {
		p.Iteration = *payload.Iteration
	}
	if payload.ToolCallCount != nil && *payload.ToolCallCount > p.ToolCallCount {
		p.ToolCallCount = *payload.ToolCallCount
	}
	if payload.MaxIterations != nil && *payload.MaxIterations >= 0 {
		p.MaxIterations = *payload.MaxIterations
	}
	if payload.CurrentTarget != nil {
		p.CurrentTarget = *payload.CurrentTarget
	}
	if payload.EstimatedRemainingSeconds != nil {
		v := *payload.EstimatedRemainingSeconds
		p.EstimatedRemainingSeconds = &v
	}
	c.publishProgressLocked(ts)
}

func (c *Controller) publishProgressLocked(ts *taskState) {
	update := model.ProgressUpdate{TaskID: ts.task.ID, Progress: ts.task.Progress, At: c.clock.Now()}
	if update.Progress.EstimatedRemainingSeconds != nil {
		v := *update.Progress.EstimatedRemainingSeconds
		update.Progress.EstimatedRemainingSeconds = &v
	}
	c.publishLocked(ChannelTaskProgress, update)
}

// applyErrorLocked routes an engine fault: fatal errors fail the task, the
// rest send it to recovering. A pending action is denied either way.
func (c *Controller) applyErrorLocked(ts *taskState, payload model.ErrorPayload) {
	c.publishLocked(ChannelTaskError, model.TaskError{
		TaskID:  ts.task.ID,
		Message: security.RedactText(payload.Message),
		Code:    payload.Code,
		Fatal:   payload.Fatal,
		At:      c.clock.Now(),
	})
	c.log.Info("engine fault", "task_id", ts.task.ID, "code", payload.Code, "fatal", payload.Fatal)
	c.cancelPendingLocked(ts)
	if payload.Fatal {
		c.setStatusLocked(ts, model.StatusFailed, "engine_fault")
		c.finishLocked(ts)
		return
	}
	c.setStatusLocked(ts, model.StatusRecovering, "engine_fault")
}

// applyConfirmLocked opens the gate for an engine proposal. Only one
// proposal may be outstanding per task.
func (c *Controller) applyConfirmLocked(ts *taskState, ev model.Event, payload model.ConfirmPayload) error {
	if ts.pending != nil {
		return c.violation(ev, model.ReasonPendingAction, fmt.Sprintf("action %s already pending", ts.pending.ID))
	}
	if from := ts.status(); from != model.StatusExecuting {
		return c.violation(ev, model.ReasonInvalidTransition, fmt.Sprintf("confirm proposed while %s", from))
	}
	if payload.ToolName == "" {
		return c.violation(ev, model.ReasonInvalidPayload, "confirm without tool name")
	}
	class := c.policy.Classify(payload.ToolName, payload.Params)
	action := model.SensitiveAction{
		ID:             payload.ActionID,
		TaskID:         ts.task.ID,
		ToolName:       payload.ToolName,
		Description:    payload.Description,
		Params:         security.RedactParams(payload.Params, c.policy.Credentials()),
		Risk:           class.Tier,
		TimeoutSeconds: class.TimeoutSeconds,
		CreatedAt:      c.clock.Now(),
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	results, err := c.gate.Request(c.lifetime, action)
	if err != nil {
		return c.violation(ev, model.ReasonPendingAction, err.Error())
	}
	ts.pending = &action
	c.setStatusLocked(ts, model.StatusConfirm, "sensitive_action")
	c.record("sensitive_action", func(ctx context.Context, r Recorder) error { return r.RecordAction(ctx, action) })
	c.publishLocked(ChannelConfirmRequest, model.ConfirmationPrompt{
		Action:      action,
		BaseRisk:    class.Base,
		Escalated:   class.Escalated,
		EscalatedBy: class.EscalatedBy,
		ExpiresAt:   action.ExpiresAt(),
	})
	c.log.Info("sensitive action awaiting confirmation", "task_id", ts.task.ID, "action_id", action.ID,
		"tool", action.ToolName, "risk", action.Risk, "escalated", class.Escalated, "timeout_seconds", action.TimeoutSeconds)
	go c.awaitDecision(ts.task.ID, action.ID, results)
	return nil
}

func (c *Controller) applyCompleteLocked(ts *taskState, payload model.CompletePayload) {
	c.cancelPendingLocked(ts)
	to := model.StatusCompleted
	reason := "engine_complete"
	if !payload.Success {
		to = model.StatusFailed
		reason = "engine_unsuccessful"
	}
	c.setStatusLocked(ts, to, reason)
	c.finishLocked(ts)
}

func (c *Controller) applyToolLocked(ts *taskState, payload model.ToolPayload) {
	ts.task.Progress.ToolCallCount++
	now := c.clock.Now()
	c.publishLocked(ChannelAgentTool, model.ToolInvocation{
		TaskID:   ts.task.ID,
		ToolName: payload.ToolName,
		Params:   security.RedactParams(payload.Params, c.policy.Credentials()),
		At:       now,
	})
	c.publishProgressLocked(ts)
	if payload.X != nil && payload.Y != nil && c.cursor != nil && c.isActiveLocked(ts.task.ID) {
		if err := c.cursor.Send(model.CursorPosition{TaskID: ts.task.ID, X: *payload.X, Y: *payload.Y}); err != nil {
			c.log.V(1).Info("cursor update dropped", "task_id", ts.task.ID, "reason", err.Error())
		}
	}
}

func (c *Controller) isActiveLocked(taskID string) bool {
	return len(c.running) > 0 && c.running[len(c.running)-1] == taskID
}

func (c *Controller) violation(ev model.Event, reason, detail string) error {
	c.metrics.EventDropped(string(ev.Type), reason)
	c.log.Info("protocol violation, event dropped",
		"task_id", ev.TaskID, "event_type", ev.Type, "event_id", ev.ID, "reason", reason, "detail", detail)
	return fmt.Errorf("%w: %s: %s", ErrProtocolViolation, reason, detail)
}
