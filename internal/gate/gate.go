// Package gate holds engine-proposed sensitive actions until a user decides
// or the risk-derived countdown expires. Expiry denies.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"

	"github.com/g960059/agtpilot/internal/metrics"
	"github.com/g960059/agtpilot/internal/model"
)

var (
	ErrClosed        = errors.New("gate closed")
	ErrDuplicate     = errors.New("action already pending")
	ErrInvalidAction = errors.New("invalid sensitive action")
)

const resolvedHistorySize = 256

type request struct {
	action model.SensitiveAction
	result chan model.ConfirmationResult
	timer  clock.Timer
	done   chan struct{}
}

type Gate struct {
	clock   clock.Clock
	log     logr.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	pending  map[string]*request
	resolved *lru.Cache[string, model.ConfirmationResult]
	closed   bool
}

func New(clk clock.Clock, log logr.Logger, m *metrics.Metrics) *Gate {
	if clk == nil {
		clk = clock.RealClock{}
	}
	resolved, err := lru.New[string, model.ConfirmationResult](resolvedHistorySize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Gate{
		clock:    clk,
		log:      log.WithName("gate"),
		metrics:  m,
		pending:  map[string]*request{},
		resolved: resolved,
	}
}

// Request starts the countdown for action and returns a channel that receives
// exactly one ConfirmationResult. The countdown runs from action.CreatedAt, so
// an action that has already expired resolves immediately. Cancelling ctx
// withdraws the action as if Cancel had been called.
func (g *Gate) Request(ctx context.Context, action model.SensitiveAction) (<-chan model.ConfirmationResult, error) {
	if action.ID == "" || action.TaskID == "" {
		return nil, fmt.Errorf("%w: id and task id are required", ErrInvalidAction)
	}
	if action.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrInvalidAction)
	}
	now := g.clock.Now()
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := g.pending[action.ID]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, action.ID)
	}
	if _, exists := g.resolved.Get(action.ID); exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already resolved", ErrDuplicate, action.ID)
	}
	req := &request{
		action: action,
		result: make(chan model.ConfirmationResult, 1),
		done:   make(chan struct{}),
	}
	if remaining := action.ExpiresAt().Sub(now); remaining > 0 {
		req.timer = g.clock.NewTimer(remaining)
	}
	g.pending[action.ID] = req
	pending := len(g.pending)
	g.mu.Unlock()

	g.metrics.PendingActions(pending)
	g.log.V(1).Info("sensitive action pending",
		"action_id", action.ID, "task_id", action.TaskID, "tool", action.ToolName,
		"risk", action.Risk, "timeout_seconds", action.TimeoutSeconds)

	go g.watch(ctx, req)
	return req.result, nil
}

func (g *Gate) watch(ctx context.Context, req *request) {
	if req.timer == nil {
		g.resolve(req.action.ID, false, model.ResolvedByTimeout)
		return
	}
	select {
	case <-req.timer.C():
		g.resolve(req.action.ID, false, model.ResolvedByTimeout)
	case <-ctx.Done():
		g.resolve(req.action.ID, false, model.ResolvedByUser)
	case <-req.done:
	}
}

// Decide applies a user decision. It returns false when the action is not
// pending, which includes decisions that lost the race to another decision or
// to expiry; those are logged and otherwise ignored.
func (g *Gate) Decide(actionID string, approved bool) (model.ConfirmationResult, bool) {
	return g.resolve(actionID, approved, model.ResolvedByUser)
}

// Cancel withdraws a pending action as denied by the user. Stop uses it so
// the result exists before the task settles.
func (g *Gate) Cancel(actionID string) (model.ConfirmationResult, bool) {
	return g.resolve(actionID, false, model.ResolvedByUser)
}

func (g *Gate) resolve(actionID string, approved bool, by model.ResolvedBy) (model.ConfirmationResult, bool) {
	g.mu.Lock()
	req, ok := g.pending[actionID]
	if !ok {
		prior, seen := g.resolved.Get(actionID)
		g.mu.Unlock()
		if seen {
			g.log.Info("late decision ignored", "action_id", actionID,
				"approved", approved, "resolved_by", by, "prior_approved", prior.Approved, "prior_resolved_by", prior.ResolvedBy)
		} else {
			g.log.Info("decision for unknown action ignored", "action_id", actionID)
		}
		return model.ConfirmationResult{}, false
	}
	delete(g.pending, actionID)
	if req.timer != nil {
		req.timer.Stop()
	}
	close(req.done)
	result := model.ConfirmationResult{
		ActionID:   actionID,
		TaskID:     req.action.TaskID,
		Approved:   approved,
		Timestamp:  g.clock.Now(),
		ResolvedBy: by,
	}
	g.resolved.Add(actionID, result)
	req.result <- result
	pending := len(g.pending)
	g.mu.Unlock()

	g.metrics.PendingActions(pending)
	g.metrics.Confirmation(string(req.action.Risk), approved, string(by))
	g.log.Info("sensitive action resolved",
		"action_id", actionID, "task_id", req.action.TaskID, "approved", approved, "resolved_by", by)
	return result, true
}

// Lookup returns the recorded result of a resolved action.
func (g *Gate) Lookup(actionID string) (model.ConfirmationResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved.Get(actionID)
}

func (g *Gate) Pending() []model.SensitiveAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.SensitiveAction, 0, len(g.pending))
	for _, req := range g.pending {
		out = append(out, req.action)
	}
	return out
}

// Close denies every pending action and rejects later requests. Safe to call
// more than once.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.Cancel(id)
	}
}
