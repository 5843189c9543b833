package capability

import (
	"fmt"
	"sort"
)

// DefaultBypass lists the infrastructure items every thread may call without
// a grant. Entries are exact item ids; there is no pattern form.
var DefaultBypass = []string{
	"threads/internal/control",
	"threads/internal/emitter",
	"threads/internal/cancel_check",
	"threads/internal/limit_check",
}

// Denial explains why a request was refused. It is rendered back to the
// model as a tool result rather than raised.
type Denial struct {
	Required string
	Action   Action
	Kind     Kind
	ItemID   string
	Tier     RiskTier // set when a grant matched but its tier was refused
	Reason   string
}

// Message renders the denial for a tool result.
func (d *Denial) Message() string {
	return "permission denied: " + d.Reason
}

// Fields returns the denial as a result document.
func (d *Denial) Fields() map[string]any {
	m := map[string]any{
		"error":            d.Message(),
		"required":         d.Required,
		"denied_action":    string(d.Action),
		"denied_item_type": string(d.Kind),
		"denied_item_id":   d.ItemID,
	}
	if d.Tier != "" {
		m["risk"] = string(d.Tier)
	}
	return m
}

// Checker evaluates requests against granted sets.
type Checker struct {
	namespace    string
	rules        RiskRules
	acknowledged map[RiskTier]bool
	bypass       map[string]bool
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithNamespace sets the capability namespace prefix.
func WithNamespace(ns string) CheckerOption {
	return func(c *Checker) {
		c.namespace = ns
	}
}

// WithRiskRules replaces the risk classification table.
func WithRiskRules(r RiskRules) CheckerOption {
	return func(c *Checker) {
		c.rules = r
	}
}

// WithAcknowledged declares tiers the granting context has acknowledged.
// Acknowledging Unrestricted is how an unrestricted grant is unblocked.
func WithAcknowledged(tiers ...RiskTier) CheckerOption {
	return func(c *Checker) {
		for t := range tierSet(tiers) {
			c.acknowledged[t] = true
		}
	}
}

// WithBypass replaces the infrastructure bypass list.
func WithBypass(ids ...string) CheckerOption {
	return func(c *Checker) {
		c.bypass = make(map[string]bool, len(ids))
		for _, id := range ids {
			c.bypass[id] = true
		}
	}
}

// NewChecker creates a Checker with the default namespace, risk rules and bypass list.
func NewChecker(opts ...CheckerOption) *Checker {
	c := &Checker{
		namespace:    DefaultNamespace,
		acknowledged: make(map[RiskTier]bool),
	}
	WithBypass(DefaultBypass...)(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.rules == nil {
		c.rules = DefaultRiskRules(c.namespace)
	}
	return c
}

// Namespace returns the namespace prefix.
func (c *Checker) Namespace() string { return c.namespace }

// Rules returns the risk classification table.
func (c *Checker) Rules() RiskRules { return c.rules }

// Bypass returns the enumerated bypass ids, sorted.
func (c *Checker) Bypass() []string {
	out := make([]string, 0, len(c.bypass))
	for id := range c.bypass {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsBypassed reports whether itemID is on the bypass list.
func (c *Checker) IsBypassed(itemID string) bool {
	return itemID != "" && c.bypass[itemID]
}

// Check returns nil when granted permits action on the item, otherwise a
// Denial naming the exact capability that was missing. An empty set denies
// everything that is not on the bypass list.
//
// A request is allowed when at least one matching grant sits in a permitted
// tier, so adding grants never turns an allow into a denial.
func (c *Checker) Check(granted Set, action Action, kind Kind, itemID string) *Denial {
	if c.IsBypassed(itemID) {
		return nil
	}
	required := Required(c.namespace, action, kind, itemID)
	d := &Denial{Required: required, Action: action, Kind: kind, ItemID: itemID}

	if granted.Empty() {
		d.Reason = fmt.Sprintf("no capabilities granted; %q is required", required)
		return d
	}

	var refused RiskTier
	for _, p := range granted.patterns {
		if !Match(p, required) {
			continue
		}
		tier := c.rules.Classify(p).Tier
		if c.tierAllowed(tier) {
			return nil
		}
		if refused == "" || tier == Unrestricted {
			refused = tier
		}
	}

	if refused != "" {
		d.Tier = refused
		d.Reason = fmt.Sprintf("%q is only granted through a %s capability that was not acknowledged", required, refused)
		return d
	}
	d.Reason = fmt.Sprintf("%q is not covered by the granted capabilities", required)
	return d
}

func (c *Checker) tierAllowed(t RiskTier) bool {
	switch t {
	case Safe, Write:
		return true
	case Elevated, Unrestricted:
		return c.acknowledged[t]
	}
	return false
}
