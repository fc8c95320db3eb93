package dispatch

import (
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtpilot/internal/config"
	"github.com/g960059/agtpilot/internal/model"
)

type fakeController struct {
	mu     sync.Mutex
	calls  []string
	paused bool
}

func (f *fakeController) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeController) Stop(taskID string) model.CommandOutcome {
	f.record("stop:" + taskID)
	return model.CommandOutcome{Applied: true}
}

func (f *fakeController) Pause() model.CommandOutcome {
	f.record("pause")
	if f.paused {
		return model.CommandOutcome{Reason: model.ReasonAlreadyPaused}
	}
	f.paused = true
	return model.CommandOutcome{Applied: true}
}

func (f *fakeController) Resume() model.CommandOutcome {
	f.record("resume")
	f.paused = false
	return model.CommandOutcome{Applied: true}
}

func (f *fakeController) ConfirmPendingAction() model.CommandOutcome {
	f.record("confirm")
	return model.CommandOutcome{Applied: true}
}

func (f *fakeController) DenyPendingAction() model.CommandOutcome {
	f.record("deny")
	return model.CommandOutcome{Applied: true}
}

func (f *fakeController) CycleActiveTarget() model.CommandOutcome {
	f.record("cycle")
	return model.CommandOutcome{Reason: model.ReasonNoTargets}
}

func newDispatcher(t *testing.T) (*Dispatcher, *fakeController) {
	t.Helper()
	km, err := NewKeymap(config.DefaultConfig().Keymap)
	require.NoError(t, err)
	ctrl := &fakeController{}
	return New(ctrl, km, logr.Discard()), ctrl
}

func TestKeyTriggersDispatch(t *testing.T) {
	d, ctrl := newDispatcher(t)

	res := d.Dispatch(Trigger{Source: SourceKey, Key: "Shift+Ctrl+X", Origin: "browser_canvas"})
	assert.False(t, res.Ignored)
	assert.Equal(t, CommandEmergencyStop, res.Command)
	assert.True(t, res.Outcome.Applied)

	d.Dispatch(Trigger{Source: SourceKey, Key: "ctrl+alt+esc"})
	d.Dispatch(Trigger{Source: SourceKey, Key: "ctrl+shift+y"})
	d.Dispatch(Trigger{Source: SourceKey, Key: "ctrl+shift+n"})
	res = d.Dispatch(Trigger{Source: SourceKey, Key: "ctrl+shift+tab"})
	assert.Equal(t, model.ReasonNoTargets, res.Outcome.Reason)

	assert.Equal(t, []string{"stop:", "stop:", "confirm", "deny", "cycle"}, ctrl.calls)
}

func TestTextEntryOriginsAreIgnored(t *testing.T) {
	d, ctrl := newDispatcher(t)
	for _, origin := range []string{"text_input", "text-area", "CONTENT_EDITABLE", "terminal_prompt"} {
		res := d.Dispatch(Trigger{Source: SourceKey, Key: "ctrl+shift+x", Origin: origin})
		assert.True(t, res.Ignored, origin)
		assert.Equal(t, ReasonTextEntry, res.Reason, origin)

		res = d.Dispatch(Trigger{Source: SourceMenu, Command: CommandEmergencyStop, Origin: origin})
		assert.True(t, res.Ignored, origin)
	}
	assert.Empty(t, ctrl.calls)
}

func TestTogglePause(t *testing.T) {
	d, ctrl := newDispatcher(t)
	d.Dispatch(Trigger{Source: SourceKey, Key: "ctrl+shift+p"})
	res := d.Dispatch(Trigger{Source: SourceMenu, Command: "toggle-pause"})
	assert.True(t, res.Outcome.Applied)
	assert.Equal(t, []string{"pause", "pause", "resume"}, ctrl.calls)
	assert.False(t, ctrl.paused)
}

func TestUnboundAndUnknownTriggers(t *testing.T) {
	d, ctrl := newDispatcher(t)
	assert.Equal(t, ReasonUnboundKey, d.Dispatch(Trigger{Source: SourceKey, Key: "ctrl+z"}).Reason)
	assert.Equal(t, ReasonUnboundKey, d.Dispatch(Trigger{Source: SourceKey, Key: "ctrl+"}).Reason)
	assert.Equal(t, ReasonUnknownCommand, d.Dispatch(Trigger{Source: SourceMenu, Command: "self_destruct"}).Reason)
	assert.Equal(t, ReasonUnknownSource, d.Dispatch(Trigger{Source: "voice", Command: CommandEmergencyStop}).Reason)
	assert.Empty(t, ctrl.calls)
}

func TestNormalizeChord(t *testing.T) {
	cases := map[string]string{
		"Ctrl+Shift+X":        "ctrl+shift+x",
		"shift + control + x": "ctrl+shift+x",
		"cmd+opt+Esc":         "alt+meta+escape",
		"F5":                  "f5",
	}
	for in, want := range cases {
		got, err := NormalizeChord(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "ctrl+shift", "a+b", "ctrl++x"} {
		_, err := NormalizeChord(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewKeymapRejectsConflicts(t *testing.T) {
	_, err := NewKeymap(map[string][]string{
		"emergency_stop": {"ctrl+shift+x"},
		"toggle_pause":   {"shift+ctrl+x"},
	})
	assert.ErrorContains(t, err, "bound to both")

	_, err = NewKeymap(map[string][]string{"launch_missiles": {"ctrl+m"}})
	assert.ErrorContains(t, err, "unknown command")
}

func TestBindingsForDisplay(t *testing.T) {
	km, err := NewKeymap(config.DefaultConfig().Keymap)
	require.NoError(t, err)
	assert.Equal(t, []string{"ctrl+alt+escape", "ctrl+shift+x"}, km.Bindings()[CommandEmergencyStop])
}
