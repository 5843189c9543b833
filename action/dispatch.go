package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is what a handler returns for an action.
type Result struct {
	Status string
	Data   map[string]any
	Error  string
}

// Success wraps data in a successful result.
func Success(data map[string]any) *Result {
	return &Result{Status: StatusSuccess, Data: data}
}

// Failure builds an error result.
func Failure(format string, args ...any) *Result {
	return &Result{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// OK reports whether the result succeeded.
func (r *Result) OK() bool { return r != nil && r.Status == StatusSuccess }

// Content extracts loadable text from the result data: content, then body,
// then raw.
func (r *Result) Content() string {
	if r == nil {
		return ""
	}
	for _, k := range []string{"content", "body", "raw"} {
		if s, ok := r.Data[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// Doc renders the result as a plain document for tool results and hook
// conditions.
func (r *Result) Doc() map[string]any {
	doc := map[string]any{"status": r.Status}
	if r.Data != nil {
		doc["data"] = r.Data
	}
	if r.Error != "" {
		doc["error"] = r.Error
	}
	return doc
}

// Handlers for each kind of action.
type (
	Executor interface {
		Execute(ctx context.Context, a Execute) (*Result, error)
	}
	Searcher interface {
		Search(ctx context.Context, a Search) (*Result, error)
	}
	Loader interface {
		Load(ctx context.Context, a Load) (*Result, error)
	}
	Signer interface {
		Sign(ctx context.Context, a Sign) (*Result, error)
	}
)

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a Execute) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, a Execute) (*Result, error) {
	return f(ctx, a)
}

// ErrNoHandler is returned when no handler is registered for an action kind.
var ErrNoHandler = errors.New("no handler for action")

// Dispatcher routes actions to their handlers. Execute actions on ids
// registered with Handle go to that handler instead of the general executor.
type Dispatcher struct {
	exec     Executor
	search   Searcher
	load     Loader
	sign     Signer
	internal map[string]Executor
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithExecutor sets the general execute handler.
func WithExecutor(e Executor) DispatcherOption {
	return func(d *Dispatcher) { d.exec = e }
}

// WithSearcher sets the search handler.
func WithSearcher(s Searcher) DispatcherOption {
	return func(d *Dispatcher) { d.search = s }
}

// WithLoader sets the load handler.
func WithLoader(l Loader) DispatcherOption {
	return func(d *Dispatcher) { d.load = l }
}

// WithSigner sets the sign handler.
func WithSigner(s Signer) DispatcherOption {
	return func(d *Dispatcher) { d.sign = s }
}

// NewDispatcher creates a dispatcher with the control handler registered.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{internal: make(map[string]Executor)}
	d.Handle(ControlID, ControlExecutor{})
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle routes execute actions for itemID to e.
func (d *Dispatcher) Handle(itemID string, e Executor) {
	d.internal[itemID] = e
}

// Dispatch runs a against its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, a Action) (*Result, error) {
	switch a := a.(type) {
	case Execute:
		if h, ok := d.internal[a.ItemID]; ok {
			return h.Execute(ctx, a)
		}
		if d.exec != nil {
			return d.exec.Execute(ctx, a)
		}
	case Search:
		if d.search != nil {
			return d.search.Search(ctx, a)
		}
	case Load:
		if d.load != nil {
			return d.load.Load(ctx, a)
		}
	case Sign:
		if d.sign != nil {
			return d.sign.Sign(ctx, a)
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoHandler, a.Verb(), a.ItemKind())
}
