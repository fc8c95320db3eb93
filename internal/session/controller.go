// Package session owns the task state machine. Every mutation of an
// AgentTask, whether from an engine event, a user command or a resolved
// confirmation, is serialized through the Controller's lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"

	"github.com/g960059/agtpilot/internal/gate"
	"github.com/g960059/agtpilot/internal/metrics"
	"github.com/g960059/agtpilot/internal/model"
	"github.com/g960059/agtpilot/internal/risk"
)

var (
	ErrClosed            = errors.New("controller closed")
	ErrInvalidTask       = errors.New("invalid task")
	ErrProtocolViolation = errors.New(model.ErrProtocolViolation)
	ErrOutOfOrder        = errors.New("event out of order")
	ErrLateEvent         = errors.New("event for finished task")
)

// Presentation channels.
const (
	ChannelTaskSnapshot   = "task:snapshot"
	ChannelTaskStatus     = "task:status"
	ChannelTaskProgress   = "task:progress"
	ChannelTaskError      = "task:error"
	ChannelAgentTool      = "agent:tool"
	ChannelAgentToast     = "agent:toast"
	ChannelConfirmRequest = "confirm:request"
	ChannelConfirmResult  = "confirm:result"
	ChannelCursor         = "cursor:position"
)

// Commander carries commands to the engine.
type Commander interface {
	Send(ctx context.Context, cmd model.Command) error
}

// Publisher receives presentation events. *delivery.EventBatcher satisfies it.
type Publisher interface {
	Send(channel string, payload any) error
}

// CursorSink receives pointer telemetry. *delivery.ThrottledSender satisfies it.
type CursorSink interface {
	Send(value any) error
	Discard()
}

// Recorder keeps the session audit trail. *ledger.Store satisfies it.
type Recorder interface {
	RecordTask(ctx context.Context, task model.AgentTask) error
	RecordTransition(ctx context.Context, change model.StatusChange) error
	RecordAction(ctx context.Context, action model.SensitiveAction) error
	RecordResult(ctx context.Context, result model.ConfirmationResult) error
}

type Options struct {
	MaxConcurrentTasks int
	ArchiveSize        int
	CommandTimeout     time.Duration
	OutboxSize         int
	JournalSize        int

	Clock     clock.Clock
	Logger    logr.Logger
	Metrics   *metrics.Metrics
	Commander Commander
	Publisher Publisher
	Cursor    CursorSink
	Recorder  Recorder
}

type taskState struct {
	task     model.AgentTask
	resumeTo model.TaskStatus
	pending  *model.SensitiveAction
	lastKeys map[model.EventType]model.OrderKey
}

// status is the state the task behaves as: the remembered state while
// paused, the real one otherwise.
func (ts *taskState) status() model.TaskStatus {
	if ts.task.Status == model.StatusPaused {
		return ts.resumeTo
	}
	return ts.task.Status
}

type Controller struct {
	policy   *risk.Policy
	gate     *gate.Gate
	clock    clock.Clock
	log      logr.Logger
	metrics  *metrics.Metrics
	commands Commander
	publish  Publisher
	cursor   CursorSink
	recorder Recorder

	maxRunning     int
	commandTimeout time.Duration
	outbox         chan model.Command
	journal        chan journalEntry

	lifetime context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*taskState
	running []string // admission order; the last entry is the active task
	queue   []string
	archive *lru.Cache[string, model.AgentTask]
	closed  bool
}

func New(policy *risk.Policy, g *gate.Gate, opts Options) (*Controller, error) {
	if policy == nil || g == nil {
		return nil, errors.New("session: policy and gate are required")
	}
	if opts.MaxConcurrentTasks < 1 {
		opts.MaxConcurrentTasks = 1
	}
	if opts.ArchiveSize < 1 {
		opts.ArchiveSize = 256
	}
	if opts.OutboxSize < 1 {
		opts.OutboxSize = 128
	}
	if opts.JournalSize < 1 {
		opts.JournalSize = 512
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	archive, err := lru.New[string, model.AgentTask](opts.ArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("session archive: %w", err)
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Controller{
		policy:         policy,
		gate:           g,
		clock:          opts.Clock,
		log:            opts.Logger.WithName("session"),
		metrics:        opts.Metrics,
		commands:       opts.Commander,
		publish:        opts.Publisher,
		cursor:         opts.Cursor,
		recorder:       opts.Recorder,
		maxRunning:     opts.MaxConcurrentTasks,
		commandTimeout: opts.CommandTimeout,
		outbox:         make(chan model.Command, opts.OutboxSize),
		journal:        make(chan journalEntry, opts.JournalSize),
		lifetime:       lifetime,
		cancel:         cancel,
		tasks:          map[string]*taskState{},
		archive:        archive,
	}, nil
}

// Run applies events from the engine in arrival order and forwards queued
// engine commands until ctx is done or events is closed.
func (c *Controller) Run(ctx context.Context, events <-chan model.Event) error {
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		c.drainOutbox(ctx)
	}()
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		c.drainJournal(ctx)
	}()
	defer func() {
		c.Close()
		<-outboxDone
		<-journalDone
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			// Dropped events are logged inside Apply.
			_ = c.Apply(ev)
		}
	}
}

func (c *Controller) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.lifetime.Done():
			return
		case cmd := <-c.outbox:
			c.deliverCommand(ctx, cmd)
		}
	}
}

func (c *Controller) deliverCommand(ctx context.Context, cmd model.Command) {
	if c.commands == nil {
		c.log.V(1).Info("no engine attached, command dropped", "command", cmd.Type, "task_id", cmd.TaskID)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	if err := c.commands.Send(sendCtx, cmd); err != nil {
		c.log.Error(err, "engine command failed", "command", cmd.Type, "task_id", cmd.TaskID, "action_id", cmd.ActionID)
	}
}

// Close stops accepting commands and events. Pending confirmations are left
// to the gate's own Close.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// Start creates a task and admits it, or queues it when every slot is taken.
func (c *Controller) Start(taskText string, targets []string) (model.AgentTask, error) {
	taskText = strings.TrimSpace(taskText)
	if taskText == "" {
		return model.AgentTask{}, fmt.Errorf("%w: task text is required", ErrInvalidTask)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return model.AgentTask{}, ErrClosed
	}
	now := c.clock.Now()
	ts := &taskState{
		task: model.AgentTask{
			ID:        uuid.NewString(),
			TaskText:  taskText,
			Status:    model.StatusIdle,
			Targets:   dedupeTargets(targets),
			CreatedAt: now,
			UpdatedAt: now,
		},
		lastKeys: map[model.EventType]model.OrderKey{},
	}
	if len(ts.task.Targets) > 0 {
		ts.task.Progress.CurrentTarget = ts.task.Targets[0]
	}
	c.tasks[ts.task.ID] = ts
	task := ts.task.Clone()
	c.record("task", func(ctx context.Context, r Recorder) error { return r.RecordTask(ctx, task) })

	if len(c.running) < c.maxRunning {
		c.admitLocked(ts, "start")
	} else {
		c.setStatusLocked(ts, model.StatusQueued, "concurrency_limit")
		c.queue = append(c.queue, ts.task.ID)
	}
	c.metrics.Command(string(model.CommandStart), true)
	c.log.Info("task started", "task_id", ts.task.ID, "status", ts.task.Status, "targets", len(ts.task.Targets))
	c.publishLocked(ChannelTaskSnapshot, ts.task.Clone())
	return ts.task.Clone(), nil
}

func (c *Controller) admitLocked(ts *taskState, reason string) {
	c.running = append(c.running, ts.task.ID)
	c.setStatusLocked(ts, model.StatusThinking, reason)
	c.enqueueCommand(model.Command{
		Type:     model.CommandStart,
		TaskID:   ts.task.ID,
		TaskText: ts.task.TaskText,
		Targets:  append([]string(nil), ts.task.Targets...),
	})
}

// Stop fails the task. An empty id means the active task. A pending action
// is resolved as denied before the task settles.
func (c *Controller) Stop(taskID string) model.CommandOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, outcome, ok := c.lookupLocked(taskID)
	if !ok {
		return c.skip(model.CommandStop, outcome)
	}
	c.stopLocked(ts)
	return c.applied(model.CommandStop, ts.task.ID)
}

func (c *Controller) stopLocked(ts *taskState) {
	c.cancelPendingLocked(ts)
	wasStarted := started(ts.task.Status)
	c.setStatusLocked(ts, model.StatusFailed, "stopped")
	if wasStarted {
		c.enqueueCommand(model.Command{Type: model.CommandStop, TaskID: ts.task.ID})
	}
	c.finishLocked(ts)
}

func (c *Controller) Pause() model.CommandOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, outcome, ok := c.activeLocked()
	if !ok {
		return c.skip(model.CommandPause, outcome)
	}
	if ts.task.Status == model.StatusPaused {
		return c.skip(model.CommandPause, model.CommandOutcome{TaskID: ts.task.ID, Reason: model.ReasonAlreadyPaused})
	}
	ts.resumeTo = ts.task.Status
	c.transitionLocked(ts, model.StatusPaused, "user")
	c.enqueueCommand(model.Command{Type: model.CommandPause, TaskID: ts.task.ID})
	return c.applied(model.CommandPause, ts.task.ID)
}

func (c *Controller) Resume() model.CommandOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, outcome, ok := c.activeLocked()
	if !ok {
		return c.skip(model.CommandResume, outcome)
	}
	if ts.task.Status != model.StatusPaused {
		return c.skip(model.CommandResume, model.CommandOutcome{TaskID: ts.task.ID, Reason: model.ReasonNotPaused})
	}
	to := ts.resumeTo
	ts.resumeTo = ""
	c.transitionLocked(ts, to, "user")
	c.enqueueCommand(model.Command{Type: model.CommandResume, TaskID: ts.task.ID})
	return c.applied(model.CommandResume, ts.task.ID)
}

func (c *Controller) ConfirmPendingAction() model.CommandOutcome {
	return c.decide(true)
}

func (c *Controller) DenyPendingAction() model.CommandOutcome {
	return c.decide(false)
}

func (c *Controller) decide(approved bool) model.CommandOutcome {
	command := model.CommandDeny
	if approved {
		command = model.CommandApprove
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, outcome, ok := c.activeLocked()
	if !ok {
		return c.skip(command, outcome)
	}
	if ts.pending == nil {
		return c.skip(command, model.CommandOutcome{TaskID: ts.task.ID, Reason: model.ReasonNoPendingAction})
	}
	result, ok := c.gate.Decide(ts.pending.ID, approved)
	if !ok {
		// Lost the race to expiry; the result is applied by the waiter.
		return c.skip(command, model.CommandOutcome{TaskID: ts.task.ID, Reason: model.ReasonLateDecision})
	}
	c.applyResultLocked(ts, result)
	return c.applied(command, ts.task.ID)
}

// CycleActiveTarget moves the active task to the next target in its list.
func (c *Controller) CycleActiveTarget() model.CommandOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, outcome, ok := c.activeLocked()
	if !ok {
		return c.skip(model.CommandCycleTarget, outcome)
	}
	targets := ts.task.Targets
	if len(targets) == 0 {
		return c.skip(model.CommandCycleTarget, model.CommandOutcome{TaskID: ts.task.ID, Reason: model.ReasonNoTargets})
	}
	next := 0
	for i, target := range targets {
		if target == ts.task.Progress.CurrentTarget {
			next = (i + 1) % len(targets)
			break
		}
	}
	ts.task.Progress.CurrentTarget = targets[next]
	ts.task.UpdatedAt = c.clock.Now()
	c.enqueueCommand(model.Command{Type: model.CommandCycleTarget, TaskID: ts.task.ID, Target: targets[next]})
	c.publishLocked(ChannelTaskProgress, model.ProgressUpdate{TaskID: ts.task.ID, Progress: ts.task.Progress, At: ts.task.UpdatedAt})
	return c.applied(model.CommandCycleTarget, ts.task.ID)
}

// Task returns a snapshot of a live or recently finished task.
func (c *Controller) Task(taskID string) (model.AgentTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.tasks[taskID]; ok {
		return ts.task.Clone(), true
	}
	if task, ok := c.archive.Peek(taskID); ok {
		return task.Clone(), true
	}
	return model.AgentTask{}, false
}

// Active returns the task that receives user commands.
func (c *Controller) Active() (model.AgentTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, _, ok := c.activeLocked()
	if !ok {
		return model.AgentTask{}, false
	}
	return ts.task.Clone(), true
}

// Tasks lists live tasks followed by finished ones still in the archive,
// oldest first within each group.
func (c *Controller) Tasks() []model.AgentTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := make([]model.AgentTask, 0, len(c.tasks))
	for _, ts := range c.tasks {
		live = append(live, ts.task.Clone())
	}
	finished := make([]model.AgentTask, 0, c.archive.Len())
	for _, id := range c.archive.Keys() {
		if task, ok := c.archive.Peek(id); ok {
			finished = append(finished, task.Clone())
		}
	}
	byCreated := func(list []model.AgentTask) {
		sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	}
	byCreated(live)
	byCreated(finished)
	return append(live, finished...)
}

// PendingAction returns the action awaiting a decision for taskID; an empty
// id means the active task.
func (c *Controller) PendingAction(taskID string) (model.SensitiveAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ts *taskState
	if taskID == "" {
		ts, _, _ = c.activeLocked()
	} else {
		ts = c.tasks[taskID]
	}
	if ts == nil || ts.pending == nil {
		return model.SensitiveAction{}, false
	}
	return *ts.pending, true
}

func (c *Controller) activeLocked() (*taskState, model.CommandOutcome, bool) {
	if c.closed {
		return nil, model.CommandOutcome{Reason: model.ReasonClosed}, false
	}
	if len(c.running) == 0 {
		return nil, model.CommandOutcome{Reason: model.ReasonNoActiveTask}, false
	}
	return c.tasks[c.running[len(c.running)-1]], model.CommandOutcome{}, true
}

func (c *Controller) lookupLocked(taskID string) (*taskState, model.CommandOutcome, bool) {
	if taskID == "" {
		if ts, outcome, ok := c.activeLocked(); ok || outcome.Reason == model.ReasonClosed || len(c.queue) == 0 {
			return ts, outcome, ok
		}
		// Nothing is running; stop reaches the oldest queued task.
		return c.tasks[c.queue[0]], model.CommandOutcome{}, true
	}
	if c.closed {
		return nil, model.CommandOutcome{TaskID: taskID, Reason: model.ReasonClosed}, false
	}
	if ts, ok := c.tasks[taskID]; ok {
		return ts, model.CommandOutcome{}, true
	}
	if _, ok := c.archive.Peek(taskID); ok {
		return nil, model.CommandOutcome{TaskID: taskID, Reason: model.ReasonTerminal}, false
	}
	return nil, model.CommandOutcome{TaskID: taskID, Reason: model.ReasonUnknownTask}, false
}

// setStatusLocked moves ts to `to`. While paused, non-terminal targets only
// update the remembered state.
func (c *Controller) setStatusLocked(ts *taskState, to model.TaskStatus, reason string) {
	if ts.task.Status == model.StatusPaused && !to.Terminal() {
		ts.task.UpdatedAt = c.clock.Now()
		if ts.resumeTo != to {
			c.log.V(1).Info("paused task resume state updated", "task_id", ts.task.ID, "from", ts.resumeTo, "to", to, "reason", reason)
			ts.resumeTo = to
		}
		return
	}
	c.transitionLocked(ts, to, reason)
}

func (c *Controller) transitionLocked(ts *taskState, to model.TaskStatus, reason string) {
	now := c.clock.Now()
	ts.task.UpdatedAt = now
	from := ts.task.Status
	if from == to {
		return
	}
	ts.task.Status = to
	change := model.StatusChange{TaskID: ts.task.ID, From: from, To: to, Reason: reason, At: now}
	c.metrics.Transition(string(from), string(to))
	c.log.V(1).Info("task transition", "task_id", ts.task.ID, "from", from, "to", to, "reason", reason)
	c.record("transition", func(ctx context.Context, r Recorder) error { return r.RecordTransition(ctx, change) })
	c.publishLocked(ChannelTaskStatus, change)
}

// finishLocked archives a terminal task, frees its slot and promotes queued
// tasks.
func (c *Controller) finishLocked(ts *taskState) {
	id := ts.task.ID
	wasActive := c.isActiveLocked(id)
	delete(c.tasks, id)
	c.running = removeID(c.running, id)
	c.queue = removeID(c.queue, id)
	ts.resumeTo = ""
	c.archive.Add(id, ts.task.Clone())
	if wasActive && c.cursor != nil {
		c.cursor.Discard()
	}
	c.log.Info("task finished", "task_id", id, "status", ts.task.Status)
	c.publishLocked(ChannelTaskSnapshot, ts.task.Clone())

	for len(c.running) < c.maxRunning && len(c.queue) > 0 {
		next := c.tasks[c.queue[0]]
		c.queue = c.queue[1:]
		c.admitLocked(next, "slot_freed")
		c.publishLocked(ChannelTaskSnapshot, next.task.Clone())
	}
}

// cancelPendingLocked resolves a pending action as denied by the user
// without moving the task; the caller decides where the task goes.
func (c *Controller) cancelPendingLocked(ts *taskState) {
	if ts.pending == nil {
		return
	}
	action := *ts.pending
	ts.pending = nil
	result, ok := c.gate.Cancel(action.ID)
	if !ok {
		// Already resolved by expiry; its waiter finds no pending action.
		result, ok = c.gate.Lookup(action.ID)
		if !ok {
			return
		}
	}
	c.emitResultLocked(ts, result)
}

// applyResultLocked settles a confirmation: approved goes back to
// executing, denied to recovering.
func (c *Controller) applyResultLocked(ts *taskState, result model.ConfirmationResult) {
	if ts.pending == nil || ts.pending.ID != result.ActionID {
		return
	}
	ts.pending = nil
	c.emitResultLocked(ts, result)
	if result.Approved {
		c.setStatusLocked(ts, model.StatusExecuting, "approved")
		return
	}
	c.setStatusLocked(ts, model.StatusRecovering, "denied_by_"+string(result.ResolvedBy))
}

func (c *Controller) emitResultLocked(ts *taskState, result model.ConfirmationResult) {
	cmd := model.Command{Type: model.CommandDeny, TaskID: ts.task.ID, ActionID: result.ActionID}
	if result.Approved {
		cmd.Type = model.CommandApprove
	}
	c.enqueueCommand(cmd)
	c.record("confirmation_result", func(ctx context.Context, r Recorder) error { return r.RecordResult(ctx, result) })
	c.publishLocked(ChannelConfirmResult, result)
}

// awaitDecision applies a result that the gate produced on its own, which
// is expiry or context cancellation.
func (c *Controller) awaitDecision(taskID, actionID string, results <-chan model.ConfirmationResult) {
	result := <-results
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.tasks[taskID]
	if !ok || ts.pending == nil || ts.pending.ID != actionID {
		return
	}
	if result.ResolvedBy == model.ResolvedByTimeout {
		c.log.Info("sensitive action expired, denied", "task_id", taskID, "action_id", actionID, "risk", ts.pending.Risk)
	}
	c.applyResultLocked(ts, result)
}

func (c *Controller) enqueueCommand(cmd model.Command) {
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = c.clock.Now()
	}
	select {
	case c.outbox <- cmd:
	default:
		c.log.Error(errors.New("outbox full"), "engine command dropped", "command", cmd.Type, "task_id", cmd.TaskID)
	}
}

func (c *Controller) publishLocked(channel string, payload any) {
	if c.publish == nil {
		return
	}
	if err := c.publish.Send(channel, payload); err != nil {
		c.log.V(1).Info("presentation event dropped", "channel", channel, "reason", err.Error())
	}
}

type journalEntry struct {
	what  string
	write func(context.Context, Recorder) error
}

// record queues a ledger write. Writes run on the journal goroutine in
// queue order so a slow ledger never holds the controller lock.
func (c *Controller) record(what string, write func(context.Context, Recorder) error) {
	if c.recorder == nil {
		return
	}
	select {
	case c.journal <- journalEntry{what: what, write: write}:
	default:
		c.log.Error(errors.New("journal full"), "ledger write dropped", "record", what)
	}
}

// drainJournal writes queued records until the controller closes, then
// flushes whatever is still queued.
func (c *Controller) drainJournal(ctx context.Context) {
	for {
		select {
		case entry := <-c.journal:
			c.writeJournal(c.lifetime, entry)
		case <-ctx.Done():
			c.flushJournal()
			return
		case <-c.lifetime.Done():
			c.flushJournal()
			return
		}
	}
}

func (c *Controller) flushJournal() {
	for {
		select {
		case entry := <-c.journal:
			c.writeJournal(context.Background(), entry)
		default:
			return
		}
	}
}

func (c *Controller) writeJournal(parent context.Context, entry journalEntry) {
	ctx, cancel := context.WithTimeout(parent, c.commandTimeout)
	defer cancel()
	if err := entry.write(ctx, c.recorder); err != nil {
		c.log.Error(err, "ledger write failed", "record", entry.what)
	}
}

func (c *Controller) skip(command model.CommandType, outcome model.CommandOutcome) model.CommandOutcome {
	outcome.Applied = false
	c.metrics.Command(string(command), false)
	c.log.Info("command ignored", "command", command, "task_id", outcome.TaskID, "reason", outcome.Reason)
	return outcome
}

func (c *Controller) applied(command model.CommandType, taskID string) model.CommandOutcome {
	c.metrics.Command(string(command), true)
	c.log.V(1).Info("command applied", "command", command, "task_id", taskID)
	return model.CommandOutcome{Applied: true, TaskID: taskID}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}

func dedupeTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}
