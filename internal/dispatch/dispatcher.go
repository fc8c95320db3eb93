// Package dispatch turns external triggers such as global key chords and
// menu actions into controller commands.
package dispatch

import (
	"strings"

	"github.com/go-logr/logr"

	"github.com/g960059/agtpilot/internal/model"
)

type Command string

const (
	CommandEmergencyStop  Command = "emergency_stop"
	CommandTogglePause    Command = "toggle_pause"
	CommandConfirmPending Command = "confirm_pending"
	CommandDenyPending    Command = "deny_pending"
	CommandCycleTarget    Command = "cycle_target"
)

var commands = []Command{
	CommandEmergencyStop,
	CommandTogglePause,
	CommandConfirmPending,
	CommandDenyPending,
	CommandCycleTarget,
}

// Commands lists every dispatchable command.
func Commands() []Command {
	return append([]Command(nil), commands...)
}

func ParseCommand(raw string) (Command, bool) {
	normalized := Command(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	for _, cmd := range commands {
		if cmd == normalized {
			return cmd, true
		}
	}
	return "", false
}

type Source string

const (
	SourceKey  Source = "key"
	SourceMenu Source = "menu"
)

// Trigger is one external signal. Key triggers carry a chord, menu
// triggers name the command directly.
type Trigger struct {
	Source  Source  `json:"source"`
	Key     string  `json:"key,omitempty"`
	Command Command `json:"command,omitempty"`
	Origin  string  `json:"origin,omitempty"`
}

// textEntryOrigins are focus contexts where keystrokes belong to the user's
// typing.
var textEntryOrigins = map[string]struct{}{
	"text_input":       {},
	"text_area":        {},
	"content_editable": {},
	"terminal_prompt":  {},
}

// IsTextEntry reports whether origin is a text-entry context.
func IsTextEntry(origin string) bool {
	origin = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(origin)), "-", "_")
	_, ok := textEntryOrigins[origin]
	return ok
}

// Reasons a trigger is ignored before reaching the controller.
const (
	ReasonTextEntry      = "text_entry_origin"
	ReasonUnboundKey     = "unbound_key"
	ReasonUnknownCommand = "unknown_command"
	ReasonUnknownSource  = "unknown_source"
)

// Controller is the command surface the dispatcher drives.
type Controller interface {
	Stop(taskID string) model.CommandOutcome
	Pause() model.CommandOutcome
	Resume() model.CommandOutcome
	ConfirmPendingAction() model.CommandOutcome
	DenyPendingAction() model.CommandOutcome
	CycleActiveTarget() model.CommandOutcome
}

type Result struct {
	Command Command              `json:"command,omitempty"`
	Ignored bool                 `json:"ignored"`
	Reason  string               `json:"reason,omitempty"`
	Outcome model.CommandOutcome `json:"outcome"`
}

type Dispatcher struct {
	ctrl   Controller
	keymap Keymap
	log    logr.Logger
}

func New(ctrl Controller, keymap Keymap, log logr.Logger) *Dispatcher {
	return &Dispatcher{ctrl: ctrl, keymap: keymap, log: log.WithName("dispatch")}
}

func (d *Dispatcher) Keymap() Keymap {
	return d.keymap
}

// Dispatch resolves tr and runs the command synchronously.
func (d *Dispatcher) Dispatch(tr Trigger) Result {
	if IsTextEntry(tr.Origin) {
		d.log.V(1).Info("trigger ignored in text entry", "source", tr.Source, "key", tr.Key, "origin", tr.Origin)
		return Result{Ignored: true, Reason: ReasonTextEntry}
	}
	var cmd Command
	switch tr.Source {
	case SourceKey:
		bound, ok := d.keymap.Lookup(tr.Key)
		if !ok {
			d.log.V(1).Info("unbound key ignored", "key", tr.Key)
			return Result{Ignored: true, Reason: ReasonUnboundKey}
		}
		cmd = bound
	case SourceMenu:
		parsed, ok := ParseCommand(string(tr.Command))
		if !ok {
			d.log.Info("unknown menu command ignored", "command", tr.Command)
			return Result{Ignored: true, Reason: ReasonUnknownCommand}
		}
		cmd = parsed
	default:
		d.log.Info("trigger from unknown source ignored", "source", tr.Source)
		return Result{Ignored: true, Reason: ReasonUnknownSource}
	}
	outcome := d.run(cmd)
	d.log.V(1).Info("trigger dispatched", "command", cmd, "applied", outcome.Applied, "reason", outcome.Reason)
	return Result{Command: cmd, Outcome: outcome}
}

func (d *Dispatcher) run(cmd Command) model.CommandOutcome {
	switch cmd {
	case CommandEmergencyStop:
		return d.ctrl.Stop("")
	case CommandTogglePause:
		outcome := d.ctrl.Pause()
		if !outcome.Applied && outcome.Reason == model.ReasonAlreadyPaused {
			return d.ctrl.Resume()
		}
		return outcome
	case CommandConfirmPending:
		return d.ctrl.ConfirmPendingAction()
	case CommandDenyPending:
		return d.ctrl.DenyPendingAction()
	case CommandCycleTarget:
		return d.ctrl.CycleActiveTarget()
	default:
		return model.CommandOutcome{Reason: ReasonUnknownCommand}
	}
}
