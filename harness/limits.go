package harness

import (
	"time"

	"github.com/shopspring/decimal"
)

// Limits are per-thread ceilings. A zero field is unlimited, except Depth:
// it counts the spawn levels left below the thread, and a child whose
// resolved depth is negative may not be spawned.
type Limits struct {
	Turns    int             `yaml:"turns,omitempty" toml:"turns,omitempty" json:"turns,omitempty"`
	Tokens   int             `yaml:"tokens,omitempty" toml:"tokens,omitempty" json:"tokens,omitempty"`
	Spend    decimal.Decimal `yaml:"spend,omitempty" toml:"spend,omitempty" json:"spend,omitempty"`
	Spawns   int             `yaml:"spawns,omitempty" toml:"spawns,omitempty" json:"spawns,omitempty"`
	Duration time.Duration   `yaml:"duration,omitempty" toml:"duration,omitempty" json:"duration,omitempty"`
	Depth    int             `yaml:"depth,omitempty" toml:"depth,omitempty" json:"depth,omitempty"`
}

// Overlay returns l with every field set in o replacing l's value.
func (l Limits) Overlay(o Limits) Limits {
	if o.Turns > 0 {
		l.Turns = o.Turns
	}
	if o.Tokens > 0 {
		l.Tokens = o.Tokens
	}
	if o.Spend.IsPositive() {
		l.Spend = o.Spend
	}
	if o.Spawns > 0 {
		l.Spawns = o.Spawns
	}
	if o.Duration > 0 {
		l.Duration = o.Duration
	}
	if o.Depth > 0 {
		l.Depth = o.Depth
	}
	return l
}

// Clamp bounds every ceiling by the parent's and sets depth to one less
// than the parent's, which may go negative. Unlimited fields inherit the
// parent's ceiling.
func (l Limits) Clamp(parent Limits) Limits {
	l.Turns = clampInt(l.Turns, parent.Turns)
	l.Tokens = clampInt(l.Tokens, parent.Tokens)
	l.Spawns = clampInt(l.Spawns, parent.Spawns)
	if parent.Spend.IsPositive() && (!l.Spend.IsPositive() || l.Spend.GreaterThan(parent.Spend)) {
		l.Spend = parent.Spend
	}
	if parent.Duration > 0 && (l.Duration <= 0 || l.Duration > parent.Duration) {
		l.Duration = parent.Duration
	}
	l.Depth = parent.Depth - 1
	return l
}

func clampInt(v, max int) int {
	if max > 0 && (v <= 0 || v > max) {
		return max
	}
	return v
}

// Usage is what a thread has consumed so far.
type Usage struct {
	Turns        int
	InputTokens  int
	OutputTokens int
	Spend        decimal.Decimal
	Spawns       int
	Elapsed      time.Duration
}

// Tokens is input plus output tokens.
func (u Usage) Tokens() int { return u.InputTokens + u.OutputTokens }

// Doc renders usage for hook conditions.
func (u Usage) Doc() map[string]any {
	return map[string]any{
		"turns":           u.Turns,
		"input_tokens":    u.InputTokens,
		"output_tokens":   u.OutputTokens,
		"tokens":          u.Tokens(),
		"spend":           u.Spend.InexactFloat64(),
		"spawns":          u.Spawns,
		"elapsed_seconds": u.Elapsed.Seconds(),
	}
}

// LimitHit describes the first exceeded ceiling.
type LimitHit struct {
	Code    string // e.g. "turns_exceeded"
	Current any
	Max     any
}

// Doc renders the hit as the limit event document.
func (h *LimitHit) Doc() map[string]any {
	return map[string]any{
		"limit_code":    h.Code,
		"current_value": h.Current,
		"current_max":   h.Max,
	}
}

// Check compares usage against the ceilings in order turns, tokens, spend,
// duration and returns the first one reached. Spawns and depth are enforced
// when spawning, not per turn.
func (l Limits) Check(u Usage) *LimitHit {
	if l.Turns > 0 && u.Turns >= l.Turns {
		return &LimitHit{Code: "turns_exceeded", Current: u.Turns, Max: l.Turns}
	}
	if l.Tokens > 0 && u.Tokens() >= l.Tokens {
		return &LimitHit{Code: "tokens_exceeded", Current: u.Tokens(), Max: l.Tokens}
	}
	if l.Spend.IsPositive() && u.Spend.GreaterThanOrEqual(l.Spend) {
		return &LimitHit{Code: "spend_exceeded", Current: u.Spend.InexactFloat64(), Max: l.Spend.InexactFloat64()}
	}
	if l.Duration > 0 && u.Elapsed >= l.Duration {
		return &LimitHit{Code: "duration_seconds_exceeded", Current: u.Elapsed.Seconds(), Max: l.Duration.Seconds()}
	}
	return nil
}
