package session

import "github.com/g960059/agtpilot/internal/model"

// engineEdges lists the transitions an engine status event may drive.
// Transitions into confirm, paused and out of confirm are owned by the
// controller and never appear here. Failed is reachable from any
// non-terminal state and is handled separately.
var engineEdges = map[model.TaskStatus][]model.TaskStatus{
	model.StatusThinking:   {model.StatusPlanning},
	model.StatusPlanning:   {model.StatusExecuting},
	model.StatusExecuting:  {model.StatusVerifying},
	model.StatusVerifying:  {model.StatusExecuting, model.StatusWaiting, model.StatusCompleted},
	model.StatusWaiting:    {model.StatusThinking, model.StatusExecuting, model.StatusCompleted},
	model.StatusRecovering: {model.StatusThinking},
}

func engineCanTransition(from, to model.TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == model.StatusFailed {
		return from != model.StatusIdle && from != model.StatusQueued
	}
	for _, next := range engineEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// started reports whether the engine has been told to run the task.
func started(status model.TaskStatus) bool {
	return status != model.StatusIdle && status != model.StatusQueued && !status.Terminal()
}
