package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/g960059/agtpilot/internal/api"
	"github.com/g960059/agtpilot/internal/config"
	"github.com/g960059/agtpilot/internal/dispatch"
	"github.com/g960059/agtpilot/internal/gate"
	"github.com/g960059/agtpilot/internal/ledger"
	"github.com/g960059/agtpilot/internal/metrics"
	"github.com/g960059/agtpilot/internal/model"
	"github.com/g960059/agtpilot/internal/risk"
	"github.com/g960059/agtpilot/internal/session"
	"github.com/g960059/agtpilot/internal/testutil"
	"github.com/g960059/agtpilot/internal/wire"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type apiHarness struct {
	srv       *Server
	ctrl      *session.Controller
	store     *ledger.Store
	commander *testutil.Commander
	publisher *testutil.Publisher
	clock     *clocktesting.FakeClock
}

func newAPITestServer(t *testing.T, cfg config.Config) *apiHarness {
	t.Helper()
	store, _ := testutil.NewStore(t)
	policy, err := risk.NewPolicy(cfg.Risk)
	require.NoError(t, err)
	keymap, err := dispatch.NewKeymap(cfg.Keymap)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clk := clocktesting.NewFakeClock(epoch)
	h := &apiHarness{
		store:     store,
		commander: &testutil.Commander{},
		publisher: &testutil.Publisher{},
		clock:     clk,
	}
	h.ctrl, err = session.New(policy, gate.New(clk, logr.Discard(), m), session.Options{
		Clock:     clk,
		Logger:    logr.Discard(),
		Metrics:   m,
		Commander: h.commander,
		Publisher: h.publisher,
		Recorder:  store,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h.srv = NewServer(cfg, Deps{
		Controller: h.ctrl,
		Dispatcher: dispatch.New(h.ctrl, keymap, logr.Discard()),
		Ledger:     store,
		Engine:     NewEngineLink(logr.Discard(), time.Second, 16),
		Stream:     NewStreamHub("stream-test", clk, logr.Discard(), 16),
		Gatherer:   reg,
		Logger:     logr.Discard(),
	})
	return h
}

func doJSONRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, handler http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v body=%q", err, rec.Body.String())
	}
	return out
}

func (h *apiHarness) startTask(t *testing.T, text string, targets ...string) api.TaskItem {
	t.Helper()
	rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodPost, "/v1/tasks", api.StartTaskRequest{TaskText: text, Targets: targets})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON[api.TaskResponse](t, rec).Task
}

func (h *apiHarness) postEvents(t *testing.T, events ...map[string]any) api.EventsResponse {
	t.Helper()
	var body any = events
	if len(events) == 1 {
		body = events[0]
	}
	rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodPost, "/v1/events", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeJSON[api.EventsResponse](t, rec)
}

func statusEvent(taskID, status string) map[string]any {
	return map[string]any{"type": "status", "task_id": taskID, "data": map[string]any{"status": status}}
}

func TestHealthEndpointOverUDS(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "agtpilotd.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	srv := newAPITestServer(t, cfg).srv
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	waitForSocket(t, socketPath, errCh)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}}
	resp, err := client.Get("http://unix/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "v1", payload.SchemaVersion)
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, "stream-test", payload.StreamID)
	assert.False(t, payload.EngineConnected)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server shutdown")
	}
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "socket should be removed on shutdown")
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "agtpilotd.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("not-a-socket"), 0o600))

	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath
	srv := newAPITestServer(t, cfg).srv

	require.Error(t, srv.Start(context.Background()))
	require.NoError(t, os.Remove(socketPath), "regular file should remain for caller cleanup")
}

func TestSingleInstanceLock(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "agtpilotd.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	srv1 := newAPITestServer(t, cfg).srv
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	errCh1 := make(chan error, 1)
	go func() {
		errCh1 <- srv1.Start(ctx1)
	}()
	waitForSocket(t, socketPath, errCh1)

	srv2 := newAPITestServer(t, cfg).srv
	err := srv2.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon already running")

	cancel1()
	select {
	case err := <-errCh1:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server1 shutdown")
	}
}

func TestMethodNotAllowedReturnsStructuredErrorEnvelope(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())

	rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodPatch, "/v1/tasks", map[string]any{"task_text": "x"})
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
	payload := decodeJSON[api.ErrorResponse](t, rec)
	assert.Equal(t, "v1", payload.SchemaVersion)
	assert.Equal(t, model.ErrRefInvalid, payload.Error.Code)
}

func TestStartTaskValidation(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())

	rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodPost, "/v1/tasks", api.StartTaskRequest{TaskText: "   "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrRefInvalid, decodeJSON[api.ErrorResponse](t, rec).Error.Code)

	rec = doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodPost, "/v1/tasks", map[string]any{"task_text": "x", "bogus": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodGet, "/v1/tasks/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrRefNotFound, decodeJSON[api.ErrorResponse](t, rec).Error.Code)
}

func TestTaskLifecycleWithConfirmation(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())
	handler := h.srv.httpSrv.Handler

	task := h.startTask(t, "book a flight", "browser", "mail")
	assert.Equal(t, model.StatusThinking, task.Status)
	assert.True(t, task.Active)
	assert.Equal(t, "browser", task.Progress.CurrentTarget)

	resp := h.postEvents(t,
		statusEvent(task.ID, "planning"),
		statusEvent(task.ID, "executing"),
		map[string]any{
			"type":    "confirm",
			"task_id": task.ID,
			"data": map[string]any{
				"action_id":   "act-1",
				"tool_name":   "write_file",
				"description": "save itinerary",
				"params":      map[string]any{"path": "/tmp/trip.txt"},
			},
		},
	)
	assert.Equal(t, 3, resp.Accepted)
	assert.Empty(t, resp.Rejected)

	rec := doJSONRequest(t, handler, http.MethodGet, "/v1/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJSON[api.TaskResponse](t, rec).Task
	assert.Equal(t, model.StatusConfirm, got.Status)
	require.NotNil(t, got.PendingAction)
	assert.Equal(t, "act-1", got.PendingAction.ID)
	assert.Equal(t, model.RiskHigh, got.PendingAction.Risk)
	assert.Equal(t, 15, got.PendingAction.TimeoutSeconds)

	rec = doJSONRequest(t, handler, http.MethodPost, "/v1/commands/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	outcome := decodeJSON[api.CommandResponse](t, rec)
	assert.True(t, outcome.Outcome.Applied)
	assert.Equal(t, task.ID, outcome.Outcome.TaskID)

	// The ledger is written behind the controller, so reads poll.
	var confirmations []api.ConfirmationItem
	require.Eventually(t, func() bool {
		rec := doJSONRequest(t, handler, http.MethodGet, "/v1/confirmations?task_id="+task.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var env api.ConfirmationsEnvelope
		if json.NewDecoder(rec.Body).Decode(&env) != nil {
			return false
		}
		confirmations = env.Confirmations
		return len(confirmations) == 1 && confirmations[0].Result != nil
	}, 3*time.Second, 5*time.Millisecond)
	require.NotNil(t, confirmations[0].Result)
	assert.True(t, confirmations[0].Result.Approved)
	assert.Equal(t, model.ResolvedByUser, confirmations[0].Result.ResolvedBy)

	// A second decision for the same action is late and changes nothing.
	rec = doJSONRequest(t, handler, http.MethodPost, "/v1/commands/deny", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	late := decodeJSON[api.CommandResponse](t, rec)
	assert.False(t, late.Outcome.Applied)

	rec = doJSONRequest(t, handler, http.MethodPost, "/v1/tasks/"+task.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeJSON[api.CommandResponse](t, rec).Outcome.Applied)

	var path []model.TaskStatus
	require.Eventually(t, func() bool {
		rec := doJSONRequest(t, handler, http.MethodGet, "/v1/tasks/"+task.ID+"/transitions", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var env api.TransitionsEnvelope
		if json.NewDecoder(rec.Body).Decode(&env) != nil {
			return false
		}
		path = path[:0]
		for _, change := range env.Transitions {
			path = append(path, change.To)
		}
		return len(path) > 0 && path[len(path)-1] == model.StatusFailed
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []model.TaskStatus{
		model.StatusThinking, model.StatusPlanning, model.StatusExecuting,
		model.StatusConfirm, model.StatusExecuting, model.StatusFailed,
	}, path)

	assert.Equal(t, []model.CommandType{model.CommandStart, model.CommandApprove, model.CommandStop}, h.commandTypes(t, 3))
}

func (h *apiHarness) commandTypes(t *testing.T, want int) []model.CommandType {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.commander.Types()) >= want }, time.Second, 5*time.Millisecond)
	return h.commander.Types()
}

func TestEventsReportRejectionsPerIndex(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())
	task := h.startTask(t, "summarize inbox")

	resp := h.postEvents(t,
		statusEvent(task.ID, "planning"),
		statusEvent("ghost", "planning"),
		statusEvent(task.ID, "verifying"),
	)
	assert.Equal(t, 1, resp.Accepted)
	require.Len(t, resp.Rejected, 2)
	assert.Equal(t, 1, resp.Rejected[0].Index)
	assert.Equal(t, model.ErrProtocolViolation, resp.Rejected[0].Code)
	assert.Equal(t, 2, resp.Rejected[1].Index)
	assert.Equal(t, model.ErrProtocolViolation, resp.Rejected[1].Code)

	seq := func(n int64) map[string]any {
		return map[string]any{"type": "progress", "task_id": task.ID, "seq": n, "data": map[string]any{"iteration": n}}
	}
	resp = h.postEvents(t, seq(2), seq(1))
	assert.Equal(t, 1, resp.Accepted)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, model.ErrOutOfOrder, resp.Rejected[0].Code)

	rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodPost, "/v1/tasks/"+task.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = h.postEvents(t, statusEvent(task.ID, "executing"))
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, model.ErrLateEvent, resp.Rejected[0].Code)
}

func TestEventsEncodings(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())
	handler := h.srv.httpSrv.Handler
	task := h.startTask(t, "fill the form")

	body, err := wire.CBOR.Marshal(map[string]any{"type": "status", "task_id": task.ID, "data": map[string]any{"status": "planning"}})
	require.NoError(t, err)
	rec := doRawRequest(t, handler, http.MethodPost, "/v1/events", wire.ContentTypeCBOR, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeJSON[api.EventsResponse](t, rec).Accepted)

	rec = doRawRequest(t, handler, http.MethodPost, "/v1/events", "text/plain", []byte("hello"))
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, model.ErrUnsupportedEncoding, decodeJSON[api.ErrorResponse](t, rec).Error.Code)

	rec = doRawRequest(t, handler, http.MethodPost, "/v1/events", wire.ContentTypeJSON, []byte(`{"type":"status"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrProtocolViolation, decodeJSON[api.ErrorResponse](t, rec).Error.Code)

	current, ok := h.ctrl.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusPlanning, current.Status)
}

func TestCommandsWithoutActiveTask(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())
	for _, name := range []string{"stop", "pause", "resume", "confirm", "deny", "cycle-target"} {
		rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodPost, "/v1/commands/"+name, nil)
		require.Equal(t, http.StatusOK, rec.Code, name)
		resp := decodeJSON[api.CommandResponse](t, rec)
		assert.Equal(t, name, resp.Command)
		assert.False(t, resp.Outcome.Applied, name)
		assert.Equal(t, model.ReasonNoActiveTask, resp.Outcome.Reason, name)
	}
	rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodPost, "/v1/commands/explode", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggersRespectTextEntryOrigin(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())
	handler := h.srv.httpSrv.Handler
	task := h.startTask(t, "tidy downloads")

	rec := doJSONRequest(t, handler, http.MethodPost, "/v1/triggers", api.TriggerRequest{Source: "key", Key: "ctrl+shift+p", Origin: "text_input"})
	require.Equal(t, http.StatusOK, rec.Code)
	ignored := decodeJSON[api.TriggerResponse](t, rec)
	assert.True(t, ignored.Ignored)
	assert.Equal(t, dispatch.ReasonTextEntry, ignored.Reason)

	rec = doJSONRequest(t, handler, http.MethodPost, "/v1/triggers", api.TriggerRequest{Source: "key", Key: "Shift+Ctrl+P"})
	require.Equal(t, http.StatusOK, rec.Code)
	paused := decodeJSON[api.TriggerResponse](t, rec)
	assert.Equal(t, string(dispatch.CommandTogglePause), paused.Command)
	assert.True(t, paused.Outcome.Applied)

	current, _ := h.ctrl.Task(task.ID)
	assert.Equal(t, model.StatusPaused, current.Status)

	rec = doJSONRequest(t, handler, http.MethodPost, "/v1/triggers", api.TriggerRequest{Source: "menu", Command: "toggle-pause"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeJSON[api.TriggerResponse](t, rec).Outcome.Applied)
	current, _ = h.ctrl.Task(task.ID)
	assert.Equal(t, model.StatusThinking, current.Status)
}

func TestListTasksMarksActive(t *testing.T) {
	cfg := config.DefaultConfig()
	h := newAPITestServer(t, cfg)
	first := h.startTask(t, "first")
	h.clock.Step(time.Millisecond)
	second := h.startTask(t, "second")
	assert.Equal(t, model.StatusQueued, second.Status)

	rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeJSON[api.TasksEnvelope](t, rec)
	assert.Equal(t, first.ID, env.ActiveTaskID)
	require.Len(t, env.Tasks, 2)
	assert.True(t, env.Tasks[0].Active)
	assert.False(t, env.Tasks[1].Active)
}

func TestKeymapListsEveryCommand(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())

	rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodGet, "/v1/keymap", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bindings := decodeJSON[api.KeymapResponse](t, rec).Bindings
	require.Len(t, bindings, len(dispatch.Commands()))
	assert.Equal(t, api.KeyBinding{Command: "emergency_stop", Chords: []string{"ctrl+alt+escape", "ctrl+shift+x"}}, bindings[0])
	assert.Equal(t, api.KeyBinding{Command: "cycle_target", Chords: []string{"ctrl+shift+tab"}}, bindings[4])

	rec = doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodPost, "/v1/keymap", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistoryReadsTasksFromLedger(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())
	handler := h.srv.httpSrv.Handler
	first := h.startTask(t, "first")
	h.clock.Step(time.Second)
	second := h.startTask(t, "second")

	rec := doJSONRequest(t, handler, http.MethodPost, "/v1/tasks/"+first.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tasks []model.AgentTask
	require.Eventually(t, func() bool {
		rec := doJSONRequest(t, handler, http.MethodGet, "/v1/history", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var env api.HistoryEnvelope
		if json.NewDecoder(rec.Body).Decode(&env) != nil {
			return false
		}
		tasks = env.Tasks
		return len(tasks) == 2 && tasks[0].Status == model.StatusThinking && tasks[1].Status == model.StatusFailed
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, second.ID, tasks[0].ID)
	assert.Equal(t, first.ID, tasks[1].ID)

	rec = doJSONRequest(t, handler, http.MethodGet, "/v1/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	limited := decodeJSON[api.HistoryEnvelope](t, rec).Tasks
	require.Len(t, limited, 1)
	assert.Equal(t, second.ID, limited[0].ID)

	rec = doJSONRequest(t, handler, http.MethodGet, "/v1/history?limit=-2", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrRefInvalid, decodeJSON[api.ErrorResponse](t, rec).Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPITestServer(t, config.DefaultConfig())
	task := h.startTask(t, "measure")
	h.postEvents(t, statusEvent(task.ID, "planning"))

	rec := doJSONRequest(t, h.srv.httpSrv.Handler, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `agtpilot_controller_events_applied_total{type="status"} 1`)
	assert.Contains(t, body, `agtpilot_controller_transitions_total{from="thinking",to="planning"} 1`)
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil {
			if st.Mode()&os.ModeSocket != 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", fmt.Sprintf("%s", path))
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}
