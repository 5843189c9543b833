package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/classify"
	"github.com/everydev1618/threads/harness"
	"github.com/everydev1618/threads/llm"
	"github.com/everydev1618/threads/primitive"
)

// runner drives one thread's model loop until it finishes or suspends. A
// resumed thread gets a fresh runner.
type runner struct {
	o       *Orchestrator
	t       *Thread
	h       *harness.Harness
	logger  *zap.Logger
	started time.Time
	base    time.Duration

	// attempt counts consecutive failed provider calls.
	attempt int
}

func newRunner(o *Orchestrator, t *Thread) *runner {
	t.mu.Lock()
	base := t.elapsed
	t.mu.Unlock()
	return &runner{
		o:       o,
		t:       t,
		h:       t.harness,
		logger:  o.logger.With(zap.String("thread_id", t.ID), zap.String("directive", t.Directive)),
		started: time.Now(),
		base:    base,
	}
}

func (r *runner) run(ctx context.Context) outcome {
	ctx, span := r.o.tracer.Start(ctx, "thread.run", trace.WithAttributes(
		attribute.String("thread.id", r.t.ID),
		attribute.String("thread.directive", r.t.Directive),
		attribute.String("thread.model", r.t.Model),
	))
	defer span.End()
	ctx = primitive.WithThreadID(ctx, r.t.ID)
	defer r.saveElapsed()

	out := r.loop(ctx)
	span.SetAttributes(attribute.String("thread.status", string(out.status)))
	if out.err != nil && out.status == harness.StatusError {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	return out
}

func (r *runner) loop(ctx context.Context) outcome {
	r.prime(ctx)

	for {
		if out, stop := r.checkpoint(ctx); stop {
			return out
		}

		if hit := r.h.CheckLimits(r.usage()); hit != nil {
			return r.onLimit(ctx, hit)
		}

		resp, err := r.complete(ctx)
		if err != nil {
			out, retry := r.onError(ctx, err)
			if retry {
				continue
			}
			return out
		}
		r.attempt = 0
		spend := r.record(ctx, resp)
		if out, stop := r.checkpoint(ctx); stop {
			return out
		}

		if len(resp.ToolCalls) == 0 {
			return outcome{status: harness.StatusCompleted, text: resp.Text}
		}

		for _, call := range resp.ToolCalls {
			if out, stop := r.checkpoint(ctx); stop {
				return out
			}
			r.appendMessage(llm.Message{
				Role:       llm.RoleTool,
				Content:    r.callTool(ctx, call),
				ToolCallID: call.ID,
			})
		}

		switch d := r.h.Control(ctx, harness.EventAfterStep, r.stepDoc(resp, spend)).(type) {
		case harness.Fail:
			return failed(d.Reason, errors.New("stopped after step"))
		case harness.Abort:
			return failed(d.Reason, errors.New("aborted after step"))
		case harness.Suspend:
			return r.suspended(d.Reason, harness.EventAfterStep, nil, nil)
		case harness.Escalate:
			return r.suspended(d.Reason, harness.EventAfterStep, nil, d.Info)
		}

		if r.underPressure(resp) {
			if _, err := r.o.Handoff(ctx, r.t.ID, ""); err != nil {
				r.logger.Warn("handoff failed, continuing in place", zap.Error(err))
			} else {
				return outcome{status: harness.StatusContinued, text: resp.Text}
			}
		}
	}
}

// checkpoint observes cancellation requests and a cancelled run context.
func (r *runner) checkpoint(ctx context.Context) (outcome, bool) {
	if r.h.Cancelled() {
		return outcome{status: harness.StatusCancelled, err: ErrCancelled}, true
	}
	if err := ctx.Err(); err != nil {
		return outcome{status: harness.StatusCancelled, err: fmt.Errorf("%w: %v", ErrCancelled, err)}, true
	}
	return outcome{}, false
}

// prime injects start-up context from thread_started hooks, or
// thread_continued hooks for a continuation, into the opening user message.
func (r *runner) prime(ctx context.Context) {
	if r.t.primed {
		return
	}
	r.t.primed = true

	event := harness.EventThreadStarted
	if r.t.ContinuationOf != "" {
		event = harness.EventThreadContinued
	}
	block := r.h.Context(ctx, event, map[string]any{
		"thread_id":       r.t.ID,
		"directive":       r.t.Directive,
		"parent_id":       r.t.ParentID,
		"continuation_of": r.t.ContinuationOf,
		"inputs":          r.t.inputs,
	})
	if block == "" {
		return
	}

	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	msgs := r.t.messages
	idx := -1
	if event == harness.EventThreadStarted {
		for i := range msgs {
			if msgs[i].Role == llm.RoleUser {
				idx = i
				break
			}
		}
	} else {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == llm.RoleUser {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		r.t.messages = append([]llm.Message{{Role: llm.RoleUser, Content: block}}, msgs...)
		return
	}
	msgs[idx].Content = block + "\n\n" + msgs[idx].Content
	r.logger.Debug("context injected", zap.String("event", string(event)), zap.Int("bytes", len(block)))
}

func (r *runner) onLimit(ctx context.Context, hit *harness.LimitHit) outcome {
	doc := hit.Doc()
	doc["thread_id"] = r.t.ID
	doc["usage"] = r.usage().Doc()

	msg := fmt.Sprintf("limit reached: %s (%v of %v)", hit.Code, hit.Current, hit.Max)
	switch d := r.h.Control(ctx, harness.EventLimit, doc).(type) {
	case harness.Fail:
		return failed(d.Reason, errors.New(msg))
	case harness.Abort:
		return failed(d.Reason, errors.New(msg))
	case harness.Escalate:
		return r.suspended(orDefault(d.Reason, msg), harness.EventLimit, hit, d.Info)
	case harness.Suspend:
		return r.suspended(orDefault(d.Reason, msg), harness.EventLimit, hit, nil)
	default:
		// A limit nobody resolved still stops the thread.
		return r.suspended(msg, harness.EventLimit, hit, map[string]any{
			"limit_type":    hit.Code,
			"current_value": hit.Current,
		})
	}
}

// onError classifies a provider failure and applies the error hooks'
// decision. It reports true when the call should be retried.
func (r *runner) onError(ctx context.Context, err error) (outcome, bool) {
	cls := r.o.classifier.Classify(err)
	doc := classify.Context(err)
	doc["thread_id"] = r.t.ID
	doc["attempt"] = r.attempt
	doc["classification"] = map[string]any{
		"category":  string(cls.Category),
		"retryable": cls.Retryable,
		"code":      cls.Code,
	}
	r.logger.Warn("provider call failed",
		zap.Error(err),
		zap.String("category", string(cls.Category)),
		zap.Bool("retryable", cls.Retryable),
		zap.Int("attempt", r.attempt))

	if ctx.Err() != nil || cls.Category == classify.Cancelled {
		return outcome{status: harness.StatusCancelled, err: fmt.Errorf("%w: %v", ErrCancelled, err)}, false
	}

	switch d := r.h.Control(ctx, harness.EventError, doc).(type) {
	case harness.Retry:
		if r.attempt >= r.o.maxRetries {
			return outcome{status: harness.StatusError, err: fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, r.attempt+1, err)}, false
		}
		var headers map[string][]string
		var pe *classify.ProviderError
		if errors.As(err, &pe) {
			headers = pe.Headers
		}
		delay := cls.Policy.Delay(r.attempt, headers)
		r.attempt++
		r.logger.Info("retrying provider call", zap.Duration("delay", delay), zap.Int("attempt", r.attempt))
		if serr := r.o.sleep(ctx, delay); serr != nil {
			return outcome{status: harness.StatusCancelled, err: fmt.Errorf("%w: %v", ErrCancelled, serr)}, false
		}
		return outcome{}, true
	case harness.Fail:
		return failed(d.Reason, err), false
	case harness.Abort:
		return failed(d.Reason, err), false
	case harness.Suspend:
		return r.suspended(orDefault(d.Reason, err.Error()), harness.EventError, nil, nil), false
	case harness.Escalate:
		return r.suspended(orDefault(d.Reason, err.Error()), harness.EventError, nil, d.Info), false
	}
	return outcome{status: harness.StatusError, err: err}, false
}

func (r *runner) suspended(reason string, event harness.Event, hit *harness.LimitHit, info map[string]any) outcome {
	return outcome{
		status: harness.StatusSuspended,
		suspension: &harness.Suspension{
			Reason: reason,
			Event:  event,
			Limit:  hit,
			Info:   info,
		},
	}
}

// failed builds an error outcome. A blank hook reason keeps the underlying
// error.
func failed(reason string, err error) outcome {
	if strings.TrimSpace(reason) != "" {
		err = errors.New(reason)
	}
	return outcome{status: harness.StatusError, err: err}
}

func (r *runner) complete(ctx context.Context) (*llm.Response, error) {
	if r.o.limiter != nil {
		if err := r.o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	ctx, span := r.o.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.model", r.t.provider.Model()),
	))
	defer span.End()

	schemas := make([]llm.ToolSchema, len(r.t.tools))
	for i, tool := range r.t.tools {
		schemas[i] = tool.Schema()
	}
	resp, err := r.t.provider.Complete(ctx, r.t.Messages(), schemas)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

// record appends the assistant turn and accounts for its usage. It returns
// the turn's spend.
func (r *runner) record(ctx context.Context, resp *llm.Response) string {
	spend := resp.Spend
	if spend.IsZero() && resp.InputTokens+resp.OutputTokens > 0 {
		spend = llm.CalculateCost(r.t.provider.Model(), resp.InputTokens, resp.OutputTokens,
			resp.CacheCreationInputTokens, resp.CacheReadInputTokens)
	}

	r.t.mu.Lock()
	r.t.messages = append(r.t.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})
	r.t.usage.Turns++
	r.t.usage.InputTokens += resp.InputTokens
	r.t.usage.OutputTokens += resp.OutputTokens
	r.t.usage.Spend = r.t.usage.Spend.Add(spend)
	r.t.usage.Elapsed = r.base + time.Since(r.started)
	u := r.t.usage
	r.t.mu.Unlock()

	if r.o.ledger != nil && r.t.budgeted {
		if _, err := r.o.ledger.ReportActual(ctx, r.t.ID, u.Spend); err != nil {
			r.logger.Warn("budget report failed", zap.Error(err))
		}
	}
	if r.o.registry != nil {
		if err := r.o.registry.UpdateUsage(ctx, r.t.ID, u); err != nil {
			r.logger.Warn("registry write failed", zap.Error(err))
		}
	}
	r.logger.Debug("turn complete",
		zap.Int("turn", u.Turns),
		zap.Int("input_tokens", resp.InputTokens),
		zap.Int("output_tokens", resp.OutputTokens),
		zap.Int("tool_calls", len(resp.ToolCalls)),
		zap.String("spend", spend.String()))
	return spend.String()
}

// callTool runs one tool call and renders the outcome as tool result text.
// Denials and failures are reported to the model, not raised.
func (r *runner) callTool(ctx context.Context, call llm.ToolCall) string {
	tool, ok := r.o.toolByName(call.Name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}
	if d := r.h.CheckPermission(capability.Execute, tool.kind(), tool.ItemID); d != nil {
		return renderDoc(d.Fields())
	}

	ctx, span := r.o.tracer.Start(ctx, "thread.tool", trace.WithAttributes(
		attribute.String("tool.item_id", tool.ItemID),
	))
	defer span.End()

	res, err := r.o.dispatcher.Dispatch(ctx, action.Execute{
		Kind:   tool.kind(),
		ItemID: tool.ItemID,
		Params: call.Arguments,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("tool failed", zap.String("tool", tool.ItemID), zap.Error(err))
		return "Error: " + err.Error()
	}
	if !res.OK() {
		return "Error: " + orDefault(res.Error, "tool returned status "+res.Status)
	}
	if c := res.Content(); c != "" {
		return c
	}
	return renderDoc(res.Data)
}

func (r *runner) stepDoc(resp *llm.Response, spend string) map[string]any {
	calls := make([]any, len(resp.ToolCalls))
	for i, c := range resp.ToolCalls {
		calls[i] = c.Name
	}
	return map[string]any{
		"thread_id":  r.t.ID,
		"directive":  r.t.Directive,
		"cost":       spend,
		"text":       resp.Text,
		"tool_calls": calls,
		"usage":      r.usage().Doc(),
	}
}

// underPressure reports whether the last response filled enough of the
// model's context window to hand off.
func (r *runner) underPressure(resp *llm.Response) bool {
	if r.o.pressure <= 0 {
		return false
	}
	used := resp.InputTokens + resp.OutputTokens
	return float64(used) >= r.o.pressure*float64(llm.ContextWindow(r.t.provider.Model()))
}

func (r *runner) usage() harness.Usage {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	u := r.t.usage
	u.Elapsed = r.base + time.Since(r.started)
	return u
}

func (r *runner) appendMessage(m llm.Message) {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.t.messages = append(r.t.messages, m)
}

func (r *runner) saveElapsed() {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.t.elapsed = r.base + time.Since(r.started)
	r.t.usage.Elapsed = r.t.elapsed
}

func renderDoc(doc map[string]any) string {
	if len(doc) == 0 {
		return "{}"
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Sprintf("%v", doc)
	}
	return string(b)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
