// Package primitive runs the terminal hop of a resolved chain: the item
// that actually performs a side effect.
package primitive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/chain"
	"github.com/everydev1618/threads/condition"
	"github.com/everydev1618/threads/internal/logging"
)

// Request is what a primitive receives.
type Request struct {
	ThreadID string
	// ItemID is the tool the caller asked for, the first hop of the chain.
	ItemID string
	Chain  *chain.Chain
	// Item is the terminal primitive item, including its metadata.
	Item   *chain.Item
	Params map[string]any
}

// Primitive performs a side effect.
type Primitive interface {
	Run(ctx context.Context, req Request) (*action.Result, error)
}

// Func adapts a function to Primitive.
type Func func(ctx context.Context, req Request) (*action.Result, error)

// Run implements Primitive.
func (f Func) Run(ctx context.Context, req Request) (*action.Result, error) {
	return f(ctx, req)
}

// ErrUnknownPrimitive is returned when a chain ends at an unregistered id.
var ErrUnknownPrimitive = errors.New("unknown primitive")

// Registry maps terminal item ids to primitives.
type Registry struct {
	mu    sync.RWMutex
	prims map[string]Primitive
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{prims: make(map[string]Primitive)}
}

// Register binds id to p.
func (r *Registry) Register(id string, p Primitive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prims[id] = p
}

// Lookup returns the primitive for id.
func (r *Registry) Lookup(id string) (Primitive, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prims[id]
	return p, ok
}

// IDs lists registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.prims))
	for id := range r.prims {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolver produces verified chains.
type Resolver interface {
	Resolve(ctx context.Context, itemID string) (*chain.Chain, error)
}

// Executor is an action.Executor that resolves the requested tool to its
// chain and runs the terminal primitive. It performs no permission checks.
type Executor struct {
	resolver Resolver
	registry *Registry
	logger   *zap.Logger
	tracer   trace.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an executor over a resolver and primitive registry.
func NewExecutor(r Resolver, reg *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		resolver: r,
		registry: reg,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/everydev1618/threads/primitive"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type threadIDKey struct{}

// WithThreadID tags ctx with the calling thread.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey{}, id)
}

// ThreadID returns the calling thread tagged on ctx.
func ThreadID(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey{}).(string)
	return id
}

// Execute implements action.Executor.
func (e *Executor) Execute(ctx context.Context, a action.Execute) (res *action.Result, err error) {
	ctx, span := e.tracer.Start(ctx, "primitive.execute", trace.WithAttributes(attribute.String("item_id", a.ItemID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c, err := e.resolver.Resolve(ctx, a.ItemID)
	if err != nil {
		return nil, err
	}
	term := c.Terminal()
	p, ok := e.registry.Lookup(term.ItemID)
	if !ok {
		return nil, fmt.Errorf("%w: %s (terminal of %s)", ErrUnknownPrimitive, term.ItemID, a.ItemID)
	}
	span.SetAttributes(attribute.String("primitive", term.ItemID), attribute.Int("chain.length", len(c.Elements)))

	start := time.Now()
	res, err = p.Run(ctx, Request{
		ThreadID: ThreadID(ctx),
		ItemID:   a.ItemID,
		Chain:    c,
		Item:     c.TerminalItem(),
		Params:   a.Params,
	})
	e.logger.Debug("primitive finished",
		zap.String("item_id", a.ItemID),
		zap.String("primitive", term.ItemID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return res, err
}

// meta reads a string from item metadata, interpolating params.
func meta(item *chain.Item, key string, params map[string]any) string {
	if item == nil || item.Metadata == nil {
		return ""
	}
	v, ok := item.Metadata[key]
	if !ok {
		return ""
	}
	return condition.Render(condition.Stringify(v), map[string]any{"params": params})
}

// metaList reads a string list from item metadata, interpolating params.
func metaList(item *chain.Item, key string, params map[string]any) []string {
	if item == nil || item.Metadata == nil {
		return nil
	}
	ctx := map[string]any{"params": params}
	switch v := item.Metadata[key].(type) {
	case string:
		return []string{condition.Render(v, ctx)}
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = condition.Render(s, ctx)
		}
		return out
	case []any:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = condition.Render(condition.Stringify(s), ctx)
		}
		return out
	}
	return nil
}

func metaDuration(item *chain.Item, key string, def time.Duration) time.Duration {
	if item == nil || item.Metadata == nil {
		return def
	}
	switch v := item.Metadata[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}
