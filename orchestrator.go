package threads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/budget"
	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/classify"
	"github.com/everydev1618/threads/condition"
	"github.com/everydev1618/threads/config"
	"github.com/everydev1618/threads/harness"
	"github.com/everydev1618/threads/internal/logging"
	"github.com/everydev1618/threads/llm"
	"github.com/everydev1618/threads/store"
)

// Orchestrator creates threads, runs them concurrently and coordinates
// waiting, cancellation, resumption and handoff.
type Orchestrator struct {
	directives  DirectiveSource
	provider    llm.Provider
	providerFor func(model string) llm.Provider
	dispatcher  *action.Dispatcher
	tools       []Tool
	classifier  *classify.Classifier
	ledger      *budget.Ledger
	registry    *store.Registry
	limiter     *rate.Limiter
	logger      *zap.Logger
	tracer      trace.Tracer

	global        harness.Limits
	namespace     string
	riskRules     capability.RiskRules
	acknowledged  []capability.RiskTier
	bypass        []string
	builtin       []harness.Hook
	infra         []harness.Hook
	maxThreads    int
	maxRetries    int
	waitTimeout   time.Duration
	resumeCeiling int
	pressure      float64
	model         string
	sleep         func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	threads map[string]*Thread
	closed  bool
	runners sync.WaitGroup

	// Lifecycle callbacks
	onComplete []func(*Thread, *Result)
	onFailed   []func(*Thread, *Result)
	onStarted  []func(*Thread)
	callbackMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// NewOrchestrator creates an orchestrator that looks directives up in src.
func NewOrchestrator(src DirectiveSource, opts ...OrchestratorOption) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	defaults := config.Default()

	o := &Orchestrator{
		directives:    src,
		dispatcher:    action.NewDispatcher(),
		classifier:    classify.Default(),
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("github.com/everydev1618/threads"),
		global:        defaults.GlobalLimits(),
		namespace:     capability.DefaultNamespace,
		bypass:        capability.DefaultBypass,
		builtin:       harness.DefaultBuiltinHooks(),
		maxThreads:    defaults.Coordination.MaxThreads,
		maxRetries:    defaults.Errors.MaxRetries,
		waitTimeout:   defaults.Coordination.WaitTimeout,
		resumeCeiling: defaults.Coordination.ResumeCeilingTokens,
		pressure:      defaults.Coordination.ContextPressure,
		model:         defaults.Model,
		sleep:         sleepContext,
		threads:       make(map[string]*Thread),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.riskRules == nil {
		o.riskRules = capability.DefaultRiskRules(o.namespace)
	}
	o.dispatcher.Handle(SpawnToolID, action.ExecutorFunc(o.spawnTool))
	o.dispatcher.Handle(WaitToolID, action.ExecutorFunc(o.waitTool))
	o.tools = append(o.tools, spawnToolDef, waitToolDef)
	return o
}

// WithProvider sets the language model provider used by every thread.
func WithProvider(p llm.Provider) OrchestratorOption {
	return func(o *Orchestrator) { o.provider = p }
}

// WithProviderFactory builds a provider per model. It takes precedence over
// WithProvider when a directive or request names a model.
func WithProviderFactory(fn func(model string) llm.Provider) OrchestratorOption {
	return func(o *Orchestrator) { o.providerFor = fn }
}

// WithDispatcher sets the dispatcher for tool calls and hook actions.
func WithDispatcher(d *action.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithTools sets the tool catalog. Each thread sees the tools it may execute.
func WithTools(tools ...Tool) OrchestratorOption {
	return func(o *Orchestrator) { o.tools = append(o.tools, tools...) }
}

// WithClassifier sets the provider error classifier.
func WithClassifier(c *classify.Classifier) OrchestratorOption {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithLedger enables budget reservation.
func WithLedger(l *budget.Ledger) OrchestratorOption {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithRegistry persists threads.
func WithRegistry(r *store.Registry) OrchestratorOption {
	return func(o *Orchestrator) { o.registry = r }
}

// WithRateLimit bounds provider calls across all threads.
func WithRateLimit(perSecond float64, burst int) OrchestratorOption {
	return func(o *Orchestrator) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithLimits sets the global default limits.
func WithLimits(l harness.Limits) OrchestratorOption {
	return func(o *Orchestrator) { o.global = l }
}

// WithRiskRules sets the risk classification.
func WithRiskRules(r capability.RiskRules) OrchestratorOption {
	return func(o *Orchestrator) { o.riskRules = r }
}

// WithAcknowledged acknowledges risk tiers for every thread.
func WithAcknowledged(tiers ...capability.RiskTier) OrchestratorOption {
	return func(o *Orchestrator) { o.acknowledged = append(o.acknowledged, tiers...) }
}

// WithHooks replaces the builtin and infra hook layers.
func WithHooks(builtin, infra []harness.Hook) OrchestratorOption {
	return func(o *Orchestrator) {
		o.builtin = builtin
		o.infra = infra
	}
}

// WithMaxThreads caps concurrently live threads.
func WithMaxThreads(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxThreads = n }
}

// WithMaxRetries caps consecutive retried provider failures per thread.
func WithMaxRetries(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxRetries = n }
}

// WithWaitTimeout sets the default Wait timeout.
func WithWaitTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.waitTimeout = d }
}

// WithResumeCeiling sets the token budget of trailing context carried into
// a continuation.
func WithResumeCeiling(tokens int) OrchestratorOption {
	return func(o *Orchestrator) { o.resumeCeiling = tokens }
}

// WithContextPressure sets the share of the context window that triggers a
// handoff. Zero disables handoff.
func WithContextPressure(p float64) OrchestratorOption {
	return func(o *Orchestrator) { o.pressure = p }
}

// WithModel sets the default model name.
func WithModel(model string) OrchestratorOption {
	return func(o *Orchestrator) { o.model = model }
}

// ConfigOptions translates a loaded configuration into options.
func ConfigOptions(cfg *config.Config) ([]OrchestratorOption, error) {
	builtin, err := cfg.BuiltinHooks()
	if err != nil {
		return nil, err
	}
	infra, err := cfg.InfraHooks()
	if err != nil {
		return nil, err
	}
	opts := []OrchestratorOption{
		WithLimits(cfg.GlobalLimits()),
		WithClassifier(cfg.Classifier()),
		WithAcknowledged(cfg.Risk.Acknowledged...),
		WithHooks(builtin, infra),
		WithMaxThreads(cfg.Coordination.MaxThreads),
		WithMaxRetries(cfg.Errors.MaxRetries),
		WithWaitTimeout(cfg.Coordination.WaitTimeout),
		WithResumeCeiling(cfg.Coordination.ResumeCeilingTokens),
		WithContextPressure(cfg.Coordination.ContextPressure),
		WithRateLimit(cfg.Coordination.RateLimit, cfg.Coordination.Burst),
		func(o *Orchestrator) {
			o.namespace = cfg.Namespace
			if len(cfg.Risk.Rules) > 0 {
				o.riskRules = cfg.Risk.Rules
			}
			if len(cfg.Risk.Bypass) > 0 {
				o.bypass = cfg.Risk.Bypass
			}
			if cfg.Model != "" {
				o.model = cfg.Model
			}
		},
	}
	return opts, nil
}

// Spawn creates a thread and starts it. Async requests return once the
// thread is running; otherwise Spawn returns when the thread finishes or
// suspends. The returned handle is valid in both cases.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (*Thread, error) {
	t, err := o.create(ctx, req)
	if err != nil {
		return nil, err
	}
	stopped := o.start(t)
	if req.Async {
		return t, nil
	}
	select {
	case <-stopped:
		return t, nil
	case <-ctx.Done():
		return t, ctx.Err()
	}
}

// SpawnAll starts every request concurrently. The returned slice is in
// request order with nil entries for spawns that failed; the error joins
// every failure.
func (o *Orchestrator) SpawnAll(ctx context.Context, reqs []SpawnRequest) ([]*Thread, error) {
	out := make([]*Thread, len(reqs))
	errs := make([]error, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		i, req := i, req
		req.Async = true
		g.Go(func() error {
			out[i], errs[i] = o.Spawn(ctx, req)
			return nil
		})
	}
	g.Wait()
	return out, errors.Join(errs...)
}

// create validates a request and registers the thread without starting it.
func (o *Orchestrator) create(ctx context.Context, req SpawnRequest) (*Thread, error) {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return nil, ErrShutdown
	}

	d, err := o.directives.Directive(ctx, req.Directive)
	if err != nil {
		return nil, fmt.Errorf("directive %s: %w", req.Directive, err)
	}

	var parent *Thread
	if req.ParentID != "" {
		if parent = o.Get(req.ParentID); parent == nil {
			return nil, fmt.Errorf("parent %s: %w", req.ParentID, ErrThreadNotFound)
		}
	}

	id := uuid.NewString()
	fail := func(err error) (*Thread, error) {
		o.logger.Warn("spawn refused", zap.String("thread_id", id), zap.String("directive", d.ID), zap.Error(err))
		return nil, &ThreadError{ThreadID: id, Directive: d.ID, Err: err}
	}

	var parentLimits *harness.Limits
	if parent != nil {
		pl := parent.Limits()
		parentLimits = &pl
	}
	limits := config.ResolveLimits(o.global, d.Limits, req.Limits, parentLimits)
	if parent != nil && limits.Depth < 0 {
		return fail(fmt.Errorf("%w: parent %s has no levels left", ErrDepthExhausted, parent.ID))
	}

	var granted capability.Set
	if parent != nil {
		if granted, err = capability.Attenuate(parent.Capabilities(), d.Capabilities); err != nil {
			return fail(err)
		}
	} else {
		granted = capability.NewSet(d.Capabilities...)
	}
	acknowledged := append(append([]capability.RiskTier(nil), o.acknowledged...), d.AcknowledgedRisks...)
	for _, n := range o.riskRules.Assess(granted, acknowledged) {
		if n.Blocking {
			return fail(fmt.Errorf("%w: %s", ErrRiskRefused, n))
		}
		o.logger.Warn("unacknowledged risk", zap.String("directive", d.ID), zap.String("notice", n.String()))
	}
	if broad := capability.BroadGrants(granted); len(broad) > 0 {
		o.logger.Warn("broad capability grant", zap.String("directive", d.ID), zap.Strings("capabilities", broad))
	}

	directiveHooks, err := harness.Build(d.Hooks, harness.LayerDirective)
	if err != nil {
		return fail(err)
	}

	model := firstNonEmpty(req.Model, d.Model, o.model)
	provider := o.provider
	if o.providerFor != nil {
		if p := o.providerFor(model); p != nil {
			provider = p
		}
	}
	if provider == nil {
		return fail(ErrNoProvider)
	}

	if parent != nil && !parent.addSpawn() {
		return fail(fmt.Errorf("%w: parent %s at %d", ErrSpawnLimit, parent.ID, parent.Limits().Spawns))
	}
	undoSpawn := func() {
		if parent != nil {
			parent.undoSpawn()
		}
	}

	budgeted, err := o.reserve(ctx, id, limits, parent)
	if err != nil {
		undoSpawn()
		return fail(err)
	}

	checker := capability.NewChecker(
		capability.WithNamespace(o.namespace),
		capability.WithRiskRules(o.riskRules),
		capability.WithAcknowledged(acknowledged...),
		capability.WithBypass(o.bypass...),
	)

	t := newThread(id)
	t.Directive = d.ID
	t.ParentID = req.ParentID
	t.ContinuationOf = req.ContinuationOf
	t.Model = model
	t.provider = provider
	t.budgeted = budgeted
	t.inputs = req.Inputs
	t.harness = harness.New(id, o.dispatcher,
		harness.WithLimits(limits),
		harness.WithHooks(harness.Merge(directiveHooks, o.builtin, o.infra)),
		harness.WithCapabilities(granted),
		harness.WithChecker(checker),
		harness.WithLogger(o.logger),
	)
	for _, tool := range o.tools {
		if t.harness.Allows(capability.Execute, tool.kind(), tool.ItemID) {
			t.tools = append(t.tools, tool)
		}
	}
	if len(req.Seed) > 0 {
		t.messages = append([]llm.Message(nil), req.Seed...)
	} else {
		t.messages = []llm.Message{{
			Role:    llm.RoleUser,
			Content: condition.Render(d.Body, map[string]any{"inputs": req.Inputs}),
		}}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.releaseBudget(t, harness.StatusCancelled)
		undoSpawn()
		return nil, ErrShutdown
	}
	if o.liveLocked() >= o.maxThreads {
		o.mu.Unlock()
		o.releaseBudget(t, harness.StatusCancelled)
		undoSpawn()
		return fail(ErrMaxThreadsReached)
	}
	o.threads[id] = t
	o.mu.Unlock()

	if o.registry != nil {
		err := o.registry.Register(ctx, store.Record{
			ThreadID:       id,
			Directive:      d.ID,
			ParentID:       req.ParentID,
			ContinuationOf: req.ContinuationOf,
		})
		if err != nil {
			o.logger.Warn("registry write failed", zap.String("thread_id", id), zap.Error(err))
		}
	}
	o.logger.Info("thread created",
		zap.String("thread_id", id),
		zap.String("directive", d.ID),
		zap.String("parent_id", req.ParentID),
		zap.Int("tools", len(t.tools)),
		zap.Int("depth", limits.Depth))
	return t, nil
}

// reserve books the thread's spend in the ledger. A child of a budgeted
// parent reserves out of the parent; anything else with a spend ceiling is
// registered as a root.
func (o *Orchestrator) reserve(ctx context.Context, id string, limits harness.Limits, parent *Thread) (bool, error) {
	if o.ledger == nil {
		return false, nil
	}
	if parent != nil && parent.budgeted {
		if err := o.ledger.Reserve(ctx, id, limits.Spend, parent.ID); err != nil {
			return false, fmt.Errorf("reserve budget: %w", err)
		}
		return true, nil
	}
	if !limits.Spend.IsPositive() {
		return false, nil
	}
	if err := o.ledger.Register(ctx, id, limits.Spend); err != nil {
		return false, fmt.Errorf("register budget: %w", err)
	}
	return true, nil
}

func (o *Orchestrator) releaseBudget(t *Thread, status harness.Status) {
	if o.ledger == nil || !t.budgeted {
		return
	}
	bs := budget.Completed
	switch status {
	case harness.StatusError:
		bs = budget.Errored
	case harness.StatusCancelled:
		bs = budget.Cancelled
	}
	if err := o.ledger.Release(context.Background(), t.ID, bs); err != nil {
		o.logger.Warn("budget release failed", zap.String("thread_id", t.ID), zap.Error(err))
	}
}

// liveLocked counts threads that have not finished. o.mu must be held.
func (o *Orchestrator) liveLocked() int {
	n := 0
	for _, t := range o.threads {
		if !t.Status().Terminal() {
			n++
		}
	}
	return n
}

// start moves a created or resumed thread to running and launches its
// runner. It returns the channel closed when that runner returns.
func (o *Orchestrator) start(t *Thread) <-chan struct{} {
	stopped := t.beginRun()
	if err := t.harness.Transition(harness.StatusRunning); err != nil {
		o.logger.Error("cannot start thread", zap.String("thread_id", t.ID), zap.Error(err))
		close(stopped)
		return stopped
	}
	o.record(t, harness.StatusRunning, "")
	o.emitStarted(t)

	r := newRunner(o, t)
	o.runners.Add(1)
	go func() {
		defer o.runners.Done()
		defer close(stopped)
		o.settle(t, r.run(o.ctx))
	}()
	return stopped
}

// outcome is what a runner returns.
type outcome struct {
	status     harness.Status
	text       string
	err        error
	suspension *harness.Suspension
}

// settle applies a runner's outcome.
func (o *Orchestrator) settle(t *Thread, out outcome) {
	if out.status == harness.StatusSuspended {
		s := harness.Suspension{Reason: "suspended"}
		if out.suspension != nil {
			s = *out.suspension
		}
		if err := t.harness.Suspend(s); err != nil {
			o.logger.Error("cannot suspend thread", zap.String("thread_id", t.ID), zap.Error(err))
			return
		}
		o.record(t, harness.StatusSuspended, s.Reason)
		return
	}

	// The transition admits exactly one settle per thread.
	if err := t.harness.Transition(out.status); err != nil {
		o.logger.Debug("thread already settled", zap.String("thread_id", t.ID), zap.Error(err))
		return
	}
	t.mu.Lock()
	t.text = out.text
	if out.err != nil {
		t.errText = out.err.Error()
	}
	t.mu.Unlock()
	o.releaseBudget(t, out.status)
	res := t.snapshot()
	if o.registry != nil {
		ctx := context.Background()
		if err := o.registry.UpdateUsage(ctx, t.ID, res.Usage); err != nil {
			o.logger.Warn("registry write failed", zap.String("thread_id", t.ID), zap.Error(err))
		}
		if err := o.registry.Complete(ctx, t.ID, res.Status, res.Text, res.Error); err != nil {
			o.logger.Warn("registry write failed", zap.String("thread_id", t.ID), zap.Error(err))
		}
		_ = o.registry.AppendEvent(ctx, t.ID, string(res.Status), res.Error)
	}

	t.harness.Control(context.Background(), harness.EventAfterComplete, map[string]any{
		"thread_id": t.ID,
		"directive": t.Directive,
		"status":    string(res.Status),
		"result":    res.Text,
		"error":     res.Error,
		"usage":     res.Usage.Doc(),
	})

	o.logger.Info("thread finished",
		zap.String("thread_id", t.ID),
		zap.String("status", string(res.Status)),
		zap.Int("turns", res.Usage.Turns),
		zap.String("spend", res.Usage.Spend.String()),
		zap.String("error", res.Error))

	t.finish()
	if res.Status == harness.StatusCompleted || res.Status == harness.StatusContinued {
		o.emitComplete(t, res)
	} else {
		o.emitFailed(t, res)
	}
}

// record persists a non-terminal status change.
func (o *Orchestrator) record(t *Thread, status harness.Status, detail string) {
	if o.registry == nil {
		return
	}
	ctx := context.Background()
	if err := o.registry.UpdateStatus(ctx, t.ID, status); err != nil {
		o.logger.Warn("registry write failed", zap.String("thread_id", t.ID), zap.Error(err))
	}
	_ = o.registry.AppendEvent(ctx, t.ID, string(status), detail)
}

// Get returns a thread by id, nil when unknown.
func (o *Orchestrator) Get(id string) *Thread {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.threads[id]
}

// Status returns a thread's status, falling back to the registry for
// threads this orchestrator does not hold.
func (o *Orchestrator) Status(ctx context.Context, id string) (harness.Status, error) {
	if t := o.Get(id); t != nil {
		return t.Status(), nil
	}
	if o.registry != nil {
		rec, err := o.registry.Get(ctx, id)
		if err == nil {
			return rec.Status, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrThreadNotFound, id)
}

// List returns every thread held in memory.
func (o *Orchestrator) List() []*Thread {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Thread, 0, len(o.threads))
	for _, t := range o.threads {
		out = append(out, t)
	}
	return out
}

// ListActive returns the ids of threads that have not finished.
func (o *Orchestrator) ListActive() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var ids []string
	for id, t := range o.threads {
		if !t.Status().Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Cancel requests cancellation. A running thread observes it at its next
// check point; a suspended or not yet started thread is cancelled at once.
func (o *Orchestrator) Cancel(id string) error {
	t := o.Get(id)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	t.harness.RequestCancel()
	o.logger.Info("cancel requested", zap.String("thread_id", id))

	if t.Status() == harness.StatusSuspended {
		// No runner is live to observe the flag.
		<-t.Stopped()
		o.settle(t, outcome{status: harness.StatusCancelled, err: ErrCancelled})
	}
	return nil
}

// Resume restarts a suspended thread. Non-zero fields of extend raise the
// thread's ceilings first, which is how a thread parked on a limit is given
// room to continue.
func (o *Orchestrator) Resume(ctx context.Context, id string, extend harness.Limits) (*Thread, error) {
	t := o.Get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if t.Status() != harness.StatusSuspended {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSuspended, id, t.Status())
	}
	<-t.Stopped()
	t.harness.Extend(extend)
	o.logger.Info("thread resumed", zap.String("thread_id", id))
	o.start(t)
	return t, nil
}

// Continue starts a continuation of a finished thread with the full
// conversation plus message. The new thread is a sibling of the original,
// subject to the same spawn and budget checks.
func (o *Orchestrator) Continue(ctx context.Context, id, message string) (*Thread, error) {
	if message == "" {
		return nil, errors.New("continue: message required")
	}
	last, err := o.resolveChain(id)
	if err != nil {
		return nil, err
	}
	if !last.Status().Terminal() {
		return nil, fmt.Errorf("thread %s is still %s: %w", last.ID, last.Status(), ErrNotTerminal)
	}
	seed := append(last.Messages(), llm.Message{Role: llm.RoleUser, Content: message})
	return o.spawnContinuation(ctx, last, seed)
}

// Handoff packs the trailing conversation of id into a continuation
// thread. The original keeps running until its runner observes the handoff;
// runners call it themselves on context pressure.
func (o *Orchestrator) Handoff(ctx context.Context, id, message string) (*Thread, error) {
	t := o.Get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return o.spawnContinuation(ctx, t, TrailingMessages(t.Messages(), o.resumeCeiling, message))
}

func (o *Orchestrator) spawnContinuation(ctx context.Context, from *Thread, seed []llm.Message) (*Thread, error) {
	next, err := o.Spawn(ctx, SpawnRequest{
		Directive:      from.Directive,
		ParentID:       from.ParentID,
		Inputs:         from.inputs,
		Model:          from.Model,
		Seed:           seed,
		ContinuationOf: from.ID,
		Async:          true,
	})
	if err != nil {
		return nil, err
	}
	from.mu.Lock()
	from.continuation = next.ID
	from.mu.Unlock()
	if o.registry != nil {
		if err := o.registry.SetContinuation(ctx, from.ID, next.ID); err != nil {
			o.logger.Warn("registry write failed", zap.String("thread_id", from.ID), zap.Error(err))
		}
		_ = o.registry.AppendEvent(ctx, from.ID, "handoff", next.ID)
	}
	o.logger.Info("thread handed off",
		zap.String("thread_id", from.ID),
		zap.String("continuation", next.ID),
		zap.Int("seed_messages", len(seed)))
	return next, nil
}

// resolveChain follows continuation links from id to the newest thread.
func (o *Orchestrator) resolveChain(id string) (*Thread, error) {
	t := o.Get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	seen := map[string]bool{id: true}
	for {
		next := t.ContinuationThreadID()
		if next == "" || seen[next] {
			return t, nil
		}
		seen[next] = true
		n := o.Get(next)
		if n == nil {
			return t, nil
		}
		t = n
	}
}

// WaitResult partitions the threads named in a Wait call. Completed holds
// every thread that reached a terminal status, keyed by the id that was
// asked for; the result is that of the last thread in its continuation chain.
type WaitResult struct {
	Completed map[string]*Result
	TimedOut  []string
	NotFound  []string
}

// Success reports whether every thread finished with status completed.
func (w *WaitResult) Success() bool {
	if len(w.TimedOut) > 0 || len(w.NotFound) > 0 {
		return false
	}
	for _, r := range w.Completed {
		if r.Status != harness.StatusCompleted {
			return false
		}
	}
	return true
}

// Wait blocks until every named thread finishes or timeout elapses. A zero
// timeout uses the configured default.
func (o *Orchestrator) Wait(ctx context.Context, ids []string, timeout time.Duration) *WaitResult {
	if timeout <= 0 {
		timeout = o.waitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type entry struct {
		res      *Result
		notFound bool
	}
	entries := make([]entry, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := o.waitOne(ctx, id)
			switch {
			case errors.Is(err, ErrThreadNotFound):
				entries[i].notFound = true
			case err == nil:
				entries[i].res = res
			}
			return nil
		})
	}
	g.Wait()

	out := &WaitResult{Completed: make(map[string]*Result)}
	for i, id := range ids {
		switch e := entries[i]; {
		case e.notFound:
			out.NotFound = append(out.NotFound, id)
		case e.res != nil:
			out.Completed[id] = e.res
		default:
			out.TimedOut = append(out.TimedOut, id)
		}
	}
	return out
}

func (o *Orchestrator) waitOne(ctx context.Context, id string) (*Result, error) {
	seen := map[string]bool{}
	for {
		t := o.Get(id)
		if t == nil {
			return nil, ErrThreadNotFound
		}
		res, err := t.Await(ctx)
		if err != nil {
			return nil, err
		}
		next := res.ContinuationThreadID
		if next == "" || seen[next] {
			return res, nil
		}
		seen[id] = true
		id = next
	}
}

// Aggregate summarizes the named threads.
type Aggregate struct {
	Results  map[string]*Result
	NotFound []string
	ByStatus map[harness.Status]int
	Usage    harness.Usage
}

// Aggregate collects results for ids without waiting, from memory or the
// registry.
func (o *Orchestrator) Aggregate(ctx context.Context, ids []string) (*Aggregate, error) {
	agg := &Aggregate{Results: make(map[string]*Result), ByStatus: make(map[harness.Status]int)}
	for _, id := range ids {
		var res *Result
		if t := o.Get(id); t != nil {
			res = t.snapshot()
		} else if o.registry != nil {
			rec, err := o.registry.Get(ctx, id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if rec != nil {
				res = resultFromRecord(rec)
			}
		}
		if res == nil {
			agg.NotFound = append(agg.NotFound, id)
			continue
		}
		agg.Results[id] = res
		agg.ByStatus[res.Status]++
		agg.Usage.Turns += res.Usage.Turns
		agg.Usage.InputTokens += res.Usage.InputTokens
		agg.Usage.OutputTokens += res.Usage.OutputTokens
		agg.Usage.Spend = agg.Usage.Spend.Add(res.Usage.Spend)
		agg.Usage.Spawns += res.Usage.Spawns
	}
	return agg, nil
}

// Chain returns the continuation chain id belongs to, oldest first.
func (o *Orchestrator) Chain(ctx context.Context, id string) ([]*Result, error) {
	if o.registry != nil {
		recs, err := o.registry.Chain(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
			}
			return nil, err
		}
		out := make([]*Result, len(recs))
		for i := range recs {
			out[i] = resultFromRecord(&recs[i])
			if t := o.Get(recs[i].ThreadID); t != nil {
				out[i] = t.snapshot()
			}
		}
		return out, nil
	}

	t := o.Get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	for t.ContinuationOf != "" {
		prev := o.Get(t.ContinuationOf)
		if prev == nil {
			break
		}
		t = prev
	}
	var out []*Result
	seen := map[string]bool{}
	for t != nil && !seen[t.ID] {
		seen[t.ID] = true
		out = append(out, t.snapshot())
		t = o.Get(t.ContinuationThreadID())
	}
	return out, nil
}

func resultFromRecord(rec *store.Record) *Result {
	return &Result{
		ThreadID:  rec.ThreadID,
		Directive: rec.Directive,
		Status:    rec.Status,
		Text:      rec.Result,
		Error:     rec.Error,
		Usage: harness.Usage{
			Turns:        rec.Turns,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			Spend:        rec.Spend,
			Spawns:       rec.SpawnCount,
		},
		ContinuationThreadID: rec.ContinuationThreadID,
	}
}

// Shutdown refuses new spawns, requests cancellation of every live thread
// and waits for their runners. When ctx expires first, in-flight provider
// calls and primitives are interrupted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	threads := make([]*Thread, 0, len(o.threads))
	for _, t := range o.threads {
		threads = append(threads, t)
	}
	o.mu.Unlock()

	for _, t := range threads {
		if !t.Status().Terminal() {
			_ = o.Cancel(t.ID)
		}
	}

	done := make(chan struct{})
	go func() {
		o.runners.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// OnThreadComplete registers a callback for threads that complete or hand off.
func (o *Orchestrator) OnThreadComplete(fn func(*Thread, *Result)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.onComplete = append(o.onComplete, fn)
}

// OnThreadFailed registers a callback for threads that end in error or
// cancellation.
func (o *Orchestrator) OnThreadFailed(fn func(*Thread, *Result)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.onFailed = append(o.onFailed, fn)
}

// OnThreadStarted registers a callback for threads that start or resume.
func (o *Orchestrator) OnThreadStarted(fn func(*Thread)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.onStarted = append(o.onStarted, fn)
}

func (o *Orchestrator) emitComplete(t *Thread, r *Result) {
	o.callbackMu.RLock()
	callbacks := append([]func(*Thread, *Result){}, o.onComplete...)
	o.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(t, r)
	}
}

func (o *Orchestrator) emitFailed(t *Thread, r *Result) {
	o.callbackMu.RLock()
	callbacks := append([]func(*Thread, *Result){}, o.onFailed...)
	o.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(t, r)
	}
}

func (o *Orchestrator) emitStarted(t *Thread) {
	o.callbackMu.RLock()
	callbacks := append([]func(*Thread){}, o.onStarted...)
	o.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(t)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
