package harness

import (
	"fmt"
	"sort"

	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/condition"
)

// Event names a point in a thread's life where hooks fire.
type Event string

const (
	EventError           Event = "error"
	EventLimit           Event = "limit"
	EventAfterStep       Event = "after_step"
	EventAfterComplete   Event = "after_complete"
	EventThreadStarted   Event = "thread_started"
	EventThreadContinued Event = "thread_continued"
)

// IsContext reports whether e is a context-injection event.
func (e Event) IsContext() bool {
	return e == EventThreadStarted || e == EventThreadContinued
}

// Layer orders hooks. Lower layers are evaluated first.
type Layer int

const (
	LayerDirective Layer = 1
	LayerBuiltin   Layer = 2
	LayerInfra     Layer = 3
)

// Hook is a conditioned action fired on an event.
type Hook struct {
	ID        string
	Event     Event
	Layer     Layer
	Condition *condition.Condition
	Action    action.Action
}

// HookSpec is the declarative form of a hook as written in configuration and
// directive metadata.
type HookSpec struct {
	ID        string               `yaml:"id" toml:"id" json:"id"`
	Event     Event                `yaml:"event" toml:"event" json:"event"`
	Condition *condition.Condition `yaml:"condition,omitempty" toml:"condition,omitempty" json:"condition,omitempty"`
	Action    map[string]any       `yaml:"action" toml:"action" json:"action"`
}

// Build converts specs into hooks on the given layer.
func Build(specs []HookSpec, layer Layer) ([]Hook, error) {
	out := make([]Hook, 0, len(specs))
	for i, s := range specs {
		if s.Event == "" {
			return nil, fmt.Errorf("hook %d (%s): missing event", i, s.ID)
		}
		a, err := action.FromSpec(s.Action)
		if err != nil {
			return nil, fmt.Errorf("hook %d (%s): %w", i, s.ID, err)
		}
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d-%d", s.Event, layer, i)
		}
		out = append(out, Hook{ID: id, Event: s.Event, Layer: layer, Condition: s.Condition, Action: a})
	}
	return out, nil
}

// Merge combines the three layers into one list ordered by layer. Each
// hook's Layer is overwritten with the layer it was passed in.
func Merge(directive, builtin, infra []Hook) []Hook {
	out := make([]Hook, 0, len(directive)+len(builtin)+len(infra))
	for _, group := range []struct {
		hooks []Hook
		layer Layer
	}{{directive, LayerDirective}, {builtin, LayerBuiltin}, {infra, LayerInfra}} {
		for _, h := range group.hooks {
			h.Layer = group.layer
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	return out
}

// DefaultBuiltinHooks retries retryable errors and escalates every limit hit.
func DefaultBuiltinHooks() []Hook {
	return []Hook{
		{
			ID:        "retry-retryable-errors",
			Event:     EventError,
			Layer:     LayerBuiltin,
			Condition: condition.Leaf("classification.retryable", condition.OpEq, true),
			Action: action.Execute{
				ItemID: action.ControlID,
				Params: map[string]any{"action": action.ControlRetry},
			},
		},
		{
			ID:    "escalate-limits",
			Event: EventLimit,
			Layer: LayerBuiltin,
			Action: action.Execute{
				ItemID: action.ControlID,
				Params: map[string]any{
					"action":        action.ControlEscalate,
					"limit_type":    "${limit_code}",
					"current_value": "${current_value}",
				},
			},
		},
	}
}
