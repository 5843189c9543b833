package threads

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/harness"
	"github.com/everydev1618/threads/llm"
)

// Directive is what a thread runs: a prompt plus the permissions, limits and
// hooks it declares.
type Directive struct {
	ID          string
	Description string
	// Body is the opening prompt. ${inputs.<name>} is replaced with spawn
	// inputs.
	Body              string
	Capabilities      []string
	AcknowledgedRisks []capability.RiskTier
	Limits            harness.Limits
	Hooks             []harness.HookSpec
	Model             string
}

// DirectiveSource looks up directives by id.
type DirectiveSource interface {
	Directive(ctx context.Context, id string) (*Directive, error)
}

// DirectiveMap is an in-memory DirectiveSource.
type DirectiveMap map[string]*Directive

// Directive implements DirectiveSource.
func (m DirectiveMap) Directive(_ context.Context, id string) (*Directive, error) {
	d, ok := m[id]
	if !ok {
		return nil, ErrDirectiveNotFound
	}
	return d, nil
}

// Tool is an item the model may call. Calls go through the permission check
// and the executor chain of ItemID.
type Tool struct {
	ItemID      string
	Kind        capability.Kind
	Description string
	InputSchema map[string]any
}

var unsafeToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Name is the tool name shown to the model: the item id with every
// character providers reject replaced by an underscore.
func (t Tool) Name() string {
	return unsafeToolChars.ReplaceAllString(t.ItemID, "_")
}

func (t Tool) kind() capability.Kind {
	if t.Kind == "" {
		return capability.Tool
	}
	return t.Kind
}

// Schema renders the tool for the provider.
func (t Tool) Schema() llm.ToolSchema {
	schema := t.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolSchema{Name: t.Name(), Description: t.Description, InputSchema: schema}
}

// SpawnRequest asks the orchestrator for a new thread.
type SpawnRequest struct {
	Directive string
	Inputs    map[string]any
	ParentID  string
	// Async returns as soon as the thread is running. Otherwise Spawn blocks
	// until the thread finishes or suspends.
	Async bool
	// Limits override the directive's own, field by field.
	Limits harness.Limits
	Model  string

	// Seed replaces the opening prompt; continuations carry their trailing
	// conversation here.
	Seed           []llm.Message
	ContinuationOf string
}

// Result is a thread's outcome.
type Result struct {
	ThreadID             string
	Directive            string
	Status               harness.Status
	Text                 string
	Error                string
	Usage                harness.Usage
	ContinuationThreadID string
	Suspension           *harness.Suspension
}

// Thread is the orchestrator's handle on one running thread.
type Thread struct {
	ID             string
	ParentID       string
	Directive      string
	ContinuationOf string
	Model          string
	CreatedAt      time.Time

	harness  *harness.Harness
	provider llm.Provider
	tools    []Tool
	budgeted bool
	inputs   map[string]any
	// primed is set once start-up context has been injected. Only the
	// runner goroutine touches it.
	primed bool

	mu           sync.Mutex
	messages     []llm.Message
	usage        harness.Usage
	elapsed      time.Duration
	text         string
	errText      string
	continuation string
	stopped      chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func newThread(id string) *Thread {
	stopped := make(chan struct{})
	close(stopped)
	return &Thread{
		ID:        id,
		CreatedAt: time.Now(),
		stopped:   stopped,
		done:      make(chan struct{}),
	}
}

// Status returns the lifecycle state.
func (t *Thread) Status() harness.Status { return t.harness.Status() }

// Limits returns the thread's resolved ceilings.
func (t *Thread) Limits() harness.Limits { return t.harness.Limits() }

// Capabilities returns the granted set.
func (t *Thread) Capabilities() capability.Set { return t.harness.Capabilities() }

// Suspension returns why the thread is parked, nil when it is not.
func (t *Thread) Suspension() *harness.Suspension { return t.harness.Suspension() }

// Usage returns a snapshot of turns, tokens, spend and spawns.
func (t *Thread) Usage() harness.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Messages returns a copy of the conversation.
func (t *Thread) Messages() []llm.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]llm.Message(nil), t.messages...)
}

// ContinuationThreadID is the thread this one handed off to, if any.
func (t *Thread) ContinuationThreadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.continuation
}

// Done is closed once the thread reaches a terminal status.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Stopped is closed when the thread's runner returns, which happens on a
// terminal status or on suspension.
func (t *Thread) Stopped() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Result returns the outcome. Before the thread finishes it returns the
// current snapshot and ErrNotTerminal.
func (t *Thread) Result() (*Result, error) {
	r := t.snapshot()
	if !r.Status.Terminal() {
		return r, ErrNotTerminal
	}
	return r, nil
}

// Await blocks until the thread finishes or ctx is done.
func (t *Thread) Await(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.snapshot(), nil
	}
}

func (t *Thread) snapshot() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Result{
		ThreadID:             t.ID,
		Directive:            t.Directive,
		Status:               t.harness.Status(),
		Text:                 t.text,
		Error:                t.errText,
		Usage:                t.usage,
		ContinuationThreadID: t.continuation,
		Suspension:           t.harness.Suspension(),
	}
}

// addSpawn counts a child against the thread's spawn ceiling. It reports
// false when the ceiling is already reached.
func (t *Thread) addSpawn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max := t.harness.Limits().Spawns; max > 0 && t.usage.Spawns >= max {
		return false
	}
	t.usage.Spawns++
	return true
}

func (t *Thread) undoSpawn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.usage.Spawns > 0 {
		t.usage.Spawns--
	}
}

// beginRun installs a fresh stopped channel for a runner about to start.
func (t *Thread) beginRun() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = make(chan struct{})
	return t.stopped
}

func (t *Thread) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}
