package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/agtpilot/internal/api"
	"github.com/g960059/agtpilot/internal/config"
	"github.com/g960059/agtpilot/internal/dispatch"
	"github.com/g960059/agtpilot/internal/ledger"
	"github.com/g960059/agtpilot/internal/model"
	"github.com/g960059/agtpilot/internal/session"
	"github.com/g960059/agtpilot/internal/wire"
)

const maxEventBody = 1 << 20

// Deps are the components the server exposes. Ledger, Engine, Stream and
// Gatherer are optional; their routes answer 503 or are not mounted
// without them.
type Deps struct {
	Controller *session.Controller
	Dispatcher *dispatch.Dispatcher
	Ledger     *ledger.Store
	Engine     *EngineLink
	Stream     *StreamHub
	Gatherer   prometheus.Gatherer
	Logger     logr.Logger
}

type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	log         logr.Logger
	ctrl        *session.Controller
	dispatcher  *dispatch.Dispatcher
	ledger      *ledger.Store
	engine      *EngineLink
	stream      *StreamHub
	streamID    string
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:        cfg,
		log:        deps.Logger.WithName("server"),
		ctrl:       deps.Controller,
		dispatcher: deps.Dispatcher,
		ledger:     deps.Ledger,
		engine:     deps.Engine,
		stream:     deps.Stream,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if s.stream != nil {
		s.streamID = s.stream.streamID
		s.stream.SetHello(s.helloFrames)
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/tasks", s.tasksHandler)
	mux.HandleFunc("/v1/tasks/", s.taskByIDHandler)
	mux.HandleFunc("/v1/commands/", s.commandHandler)
	mux.HandleFunc("/v1/triggers", s.triggersHandler)
	mux.HandleFunc("/v1/events", s.eventsHandler)
	mux.HandleFunc("/v1/confirmations", s.confirmationsHandler)
	mux.HandleFunc("/v1/history", s.historyHandler)
	mux.HandleFunc("/v1/keymap", s.keymapHandler)
	if s.engine != nil {
		mux.Handle("/v1/engine", s.engine)
	}
	if s.stream != nil {
		mux.Handle("/v1/stream", s.stream)
	}
	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var result *multierror.Error
		// Websockets are hijacked and outlive http.Server.Shutdown.
		if s.engine != nil {
			if err := s.engine.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close engine link: %w", err))
			}
		}
		if s.stream != nil {
			s.stream.Close()
		}
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				result = multierror.Append(result, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			result = multierror.Append(result, err)
		}
		s.shutdownErr = result.ErrorOrNil()
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		StreamID:      s.streamID,
	}
	if s.engine != nil {
		resp.EngineConnected = s.engine.Connected()
	}
	if s.stream != nil {
		resp.StreamClients = s.stream.Viewers()
	}
	if active, ok := s.ctrl.Active(); ok {
		resp.ActiveTaskID = active.ID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w)
	case http.MethodPost:
		s.startTask(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listTasks(w http.ResponseWriter) {
	resp := api.TasksEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Tasks:         []api.TaskItem{},
	}
	active, hasActive := s.ctrl.Active()
	if hasActive {
		resp.ActiveTaskID = active.ID
	}
	for _, task := range s.ctrl.Tasks() {
		resp.Tasks = append(resp.Tasks, s.taskItem(task, hasActive && task.ID == active.ID))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req api.StartTaskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	task, err := s.ctrl.Start(req.TaskText, req.Targets)
	switch {
	case errors.Is(err, session.ErrInvalidTask):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	case errors.Is(err, session.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "controller is shutting down")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	active, hasActive := s.ctrl.Active()
	s.writeJSON(w, http.StatusCreated, api.TaskResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Task:          s.taskItem(task, hasActive && active.ID == task.ID),
	})
}

// taskByIDHandler serves /v1/tasks/{id}, /v1/tasks/{id}/stop and
// /v1/tasks/{id}/transitions.
func (s *Server) taskByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "task route not found")
		return
	}
	taskID, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid task_id encoding")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		task, ok := s.ctrl.Task(taskID)
		if !ok {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "task not found")
			return
		}
		active, hasActive := s.ctrl.Active()
		s.writeJSON(w, http.StatusOK, api.TaskResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Task:          s.taskItem(task, hasActive && active.ID == task.ID),
		})
		return
	}
	switch parts[1] {
	case "stop":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.writeOutcome(w, "stop", s.ctrl.Stop(taskID))
	case "transitions":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listTransitions(w, r, taskID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "task route not found")
	}
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request, taskID string) {
	if s.ledger == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "ledger is unavailable")
		return
	}
	changes, err := s.ledger.ListTransitions(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.TransitionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		TaskID:        taskID,
		Transitions:   changes,
	})
}

func (s *Server) commandHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/commands/"), "/")
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var outcome model.CommandOutcome
	switch name {
	case "stop":
		var req api.StopRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
				return
			}
		}
		outcome = s.ctrl.Stop(strings.TrimSpace(req.TaskID))
	case "pause":
		outcome = s.ctrl.Pause()
	case "resume":
		outcome = s.ctrl.Resume()
	case "confirm":
		outcome = s.ctrl.ConfirmPendingAction()
	case "deny":
		outcome = s.ctrl.DenyPendingAction()
	case "cycle-target":
		outcome = s.ctrl.CycleActiveTarget()
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "unknown command")
		return
	}
	s.writeOutcome(w, name, outcome)
}

func (s *Server) triggersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.dispatcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "dispatcher is unavailable")
		return
	}
	var req api.TriggerRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	result := s.dispatcher.Dispatch(dispatch.Trigger{
		Source:  dispatch.Source(strings.ToLower(strings.TrimSpace(req.Source))),
		Key:     req.Key,
		Command: dispatch.Command(req.Command),
		Origin:  req.Origin,
	})
	s.writeJSON(w, http.StatusOK, api.TriggerResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Command:       string(result.Command),
		Ignored:       result.Ignored,
		Reason:        result.Reason,
		Outcome:       result.Outcome,
	})
}

func (s *Server) keymapHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.dispatcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "dispatcher is unavailable")
		return
	}
	bound := s.dispatcher.Keymap().Bindings()
	resp := api.KeymapResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
	}
	for _, cmd := range dispatch.Commands() {
		chords := bound[cmd]
		if chords == nil {
			chords = []string{}
		}
		resp.Bindings = append(resp.Bindings, api.KeyBinding{Command: string(cmd), Chords: chords})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// eventsHandler applies a posted event or event batch in order. Rejected
// events are reported per index; the rest still apply.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	codec, err := wire.CodecForContentType(r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, http.StatusUnsupportedMediaType, model.ErrUnsupportedEncoding, err.Error())
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, model.ErrRefInvalid, "event body too large")
		return
	}
	events, err := wire.DecodeEvents(codec, body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrProtocolViolation, err.Error())
		return
	}
	resp := api.EventsResponse{SchemaVersion: api.SchemaVersion}
	for i, ev := range events {
		if err := s.ctrl.Apply(ev); err != nil {
			resp.Rejected = append(resp.Rejected, api.EventRejection{
				Index:   i,
				EventID: ev.ID,
				TaskID:  ev.TaskID,
				Code:    eventErrorCode(err),
				Message: err.Error(),
			})
			continue
		}
		resp.Accepted++
	}
	resp.GeneratedAt = time.Now().UTC()
	s.writeJSON(w, http.StatusOK, resp)
}

func eventErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrOutOfOrder):
		return model.ErrOutOfOrder
	case errors.Is(err, session.ErrLateEvent):
		return model.ErrLateEvent
	case errors.Is(err, session.ErrClosed):
		return model.ErrPreconditionFailed
	default:
		return model.ErrProtocolViolation
	}
}

func (s *Server) confirmationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.ledger == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "ledger is unavailable")
		return
	}
	records, err := s.ledger.ListConfirmations(r.Context(), strings.TrimSpace(r.URL.Query().Get("task_id")))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	resp := api.ConfirmationsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Confirmations: make([]api.ConfirmationItem, 0, len(records)),
	}
	for _, rec := range records {
		resp.Confirmations = append(resp.Confirmations, api.ConfirmationItem{Action: rec.Action, Result: rec.Result})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// historyHandler lists tasks from the ledger, so tasks evicted from the
// controller's archive or left by an earlier daemon run still show.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.ledger == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "ledger is unavailable")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	tasks, err := s.ledger.ListTasks(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.HistoryEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Tasks:         tasks,
	})
}

// helloFrames is what a new stream viewer sees first: one snapshot per
// known task.
func (s *Server) helloFrames() []api.StreamFrame {
	active, hasActive := s.ctrl.Active()
	tasks := s.ctrl.Tasks()
	frames := make([]api.StreamFrame, 0, len(tasks))
	for _, task := range tasks {
		frames = append(frames, s.stream.Frame(session.ChannelTaskSnapshot, s.taskItem(task, hasActive && task.ID == active.ID)))
	}
	return frames
}

func (s *Server) taskItem(task model.AgentTask, active bool) api.TaskItem {
	item := api.TaskItem{AgentTask: task, Active: active}
	if action, ok := s.ctrl.PendingAction(task.ID); ok {
		item.PendingAction = &action
	}
	return item
}

func (s *Server) writeOutcome(w http.ResponseWriter, command string, outcome model.CommandOutcome) {
	s.writeJSON(w, http.StatusOK, api.CommandResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Command:       command,
		Outcome:       outcome,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
