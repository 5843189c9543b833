// Package harness bounds and supervises a single thread: limit checks,
// layered hook dispatch, permission checks, cancellation and suspension.
// It does not run the thread.
package harness

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/condition"
	"github.com/everydev1618/threads/internal/logging"
)

// Dispatcher runs hook actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, a action.Action) (*action.Result, error)
}

// Suspension records why a thread was parked.
type Suspension struct {
	Reason string
	Event  Event
	Limit  *LimitHit
	Info   map[string]any
	At     time.Time
}

// Harness supervises one thread.
type Harness struct {
	threadID   string
	limits     Limits
	hooks      []Hook
	granted    capability.Set
	checker    *capability.Checker
	dispatcher Dispatcher
	logger     *zap.Logger

	cancelled atomic.Bool

	mu         sync.Mutex
	status     Status
	suspension *Suspension
}

// Option configures a Harness.
type Option func(*Harness)

// WithLimits sets the thread's ceilings.
func WithLimits(l Limits) Option {
	return func(h *Harness) { h.limits = l }
}

// WithHooks sets the merged hook list.
func WithHooks(hooks []Hook) Option {
	return func(h *Harness) { h.hooks = hooks }
}

// WithCapabilities sets the thread's granted set.
func WithCapabilities(s capability.Set) Option {
	return func(h *Harness) { h.granted = s }
}

// WithChecker sets the permission checker.
func WithChecker(c *capability.Checker) Option {
	return func(h *Harness) { h.checker = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) { h.logger = logging.OrNop(l) }
}

// New creates a harness for threadID in the created state.
func New(threadID string, d Dispatcher, opts ...Option) *Harness {
	h := &Harness{
		threadID:   threadID,
		dispatcher: d,
		status:     StatusCreated,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.checker == nil {
		h.checker = capability.NewChecker()
	}
	h.logger = h.logger.With(zap.String("thread_id", threadID))
	return h
}

// ThreadID returns the supervised thread's id.
func (h *Harness) ThreadID() string { return h.threadID }

// Limits returns the thread's ceilings.
func (h *Harness) Limits() Limits {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.limits
}

// Extend overlays new ceilings, typically before resuming a thread parked on
// a limit.
func (h *Harness) Extend(l Limits) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limits = h.limits.Overlay(l)
}

// Capabilities returns the granted set.
func (h *Harness) Capabilities() capability.Set { return h.granted }

// Hooks returns the merged hook list.
func (h *Harness) Hooks() []Hook { return h.hooks }

// CheckPermission checks a request against the thread's grants.
func (h *Harness) CheckPermission(verb capability.Action, kind capability.Kind, itemID string) *capability.Denial {
	d := h.checker.Check(h.granted, verb, kind, itemID)
	if d != nil {
		h.logger.Warn("permission denied",
			zap.String("required", d.Required),
			zap.String("risk", string(d.Tier)))
	}
	return d
}

// Allows reports whether the thread may perform the request, without logging
// a denial. Used to filter what the thread is shown.
func (h *Harness) Allows(verb capability.Action, kind capability.Kind, itemID string) bool {
	return h.checker.Check(h.granted, verb, kind, itemID) == nil
}

// CheckLimits returns the first exceeded ceiling, if any.
func (h *Harness) CheckLimits(u Usage) *LimitHit {
	hit := h.Limits().Check(u)
	if hit != nil {
		h.logger.Info("limit reached", zap.String("limit", hit.Code), zap.Any("current", hit.Current), zap.Any("max", hit.Max))
	}
	return hit
}

// Control runs hooks for a control-flow event. Layer 1 and 2 hooks are
// tried in order and the first one whose action yields a control document
// decides; later layer 1 and 2 hooks are skipped. Layer 3 hooks always run
// and never decide. With no decision the result is Continue.
func (h *Harness) Control(ctx context.Context, event Event, doc map[string]any) Decision {
	var decided Decision
	for _, hook := range h.hooks {
		if hook.Event != event {
			continue
		}
		infra := hook.Layer == LayerInfra
		if decided != nil && !infra {
			continue
		}
		if !condition.Matches(doc, hook.Condition) {
			continue
		}
		res := h.fire(ctx, hook, doc)
		if infra || res == nil {
			continue
		}
		if d, ok := decisionFrom(res.Data); ok {
			h.logger.Debug("hook decided",
				zap.String("hook", hook.ID),
				zap.String("event", string(event)),
				zap.String("decision", d.Kind()))
			decided = d
		}
	}
	if decided == nil {
		return Continue{}
	}
	return decided
}

// Context runs every matching hook for a context-injection event and joins
// the content they load with blank lines.
func (h *Harness) Context(ctx context.Context, event Event, doc map[string]any) string {
	var blocks []string
	for _, hook := range h.hooks {
		if hook.Event != event || !condition.Matches(doc, hook.Condition) {
			continue
		}
		res := h.fire(ctx, hook, doc)
		if !res.OK() {
			continue
		}
		if c := strings.TrimSpace(res.Content()); c != "" {
			blocks = append(blocks, c)
		}
	}
	return strings.Join(blocks, "\n\n")
}

// fire interpolates, permission-checks and dispatches one hook action. A
// denied or failed action yields nil.
func (h *Harness) fire(ctx context.Context, hook Hook, doc map[string]any) *action.Result {
	a := action.Interpolate(hook.Action, doc)
	if d := h.checker.Check(h.granted, a.Verb(), a.ItemKind(), a.Target()); d != nil {
		h.logger.Warn("hook action denied", zap.String("hook", hook.ID), zap.String("required", d.Required))
		return nil
	}
	res, err := h.dispatcher.Dispatch(ctx, a)
	if err != nil {
		h.logger.Warn("hook action failed", zap.String("hook", hook.ID), zap.Error(err))
		return nil
	}
	return res
}

// RequestCancel sets the cancellation flag. The runner observes it at its
// next check point.
func (h *Harness) RequestCancel() {
	h.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (h *Harness) Cancelled() bool {
	return h.cancelled.Load()
}

// Status returns the current lifecycle state.
func (h *Harness) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Transition moves the thread to a new state if the state machine allows it.
func (h *Harness) Transition(to Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !CanTransition(h.status, to) {
		return transitionError(h.status, to)
	}
	h.logger.Debug("status", zap.String("from", string(h.status)), zap.String("to", string(to)))
	h.status = to
	if to != StatusSuspended {
		h.suspension = nil
	}
	return nil
}

// Suspend parks a running thread with a record of why.
func (h *Harness) Suspend(s Suspension) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !CanTransition(h.status, StatusSuspended) {
		return transitionError(h.status, StatusSuspended)
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	h.status = StatusSuspended
	h.suspension = &s
	h.logger.Info("thread suspended", zap.String("reason", s.Reason), zap.String("event", string(s.Event)))
	return nil
}

// Suspension returns the current suspension record, nil when not suspended.
func (h *Harness) Suspension() *Suspension {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suspension
}

// Resume moves a suspended thread back to running and clears the record.
func (h *Harness) Resume() error {
	return h.Transition(StatusRunning)
}
