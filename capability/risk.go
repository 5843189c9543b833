package capability

import (
	"fmt"
	"strings"
)

// RiskTier classifies how dangerous a granted pattern is.
type RiskTier string

const (
	Safe         RiskTier = "safe"
	Write        RiskTier = "write"
	Elevated     RiskTier = "elevated"
	Unrestricted RiskTier = "unrestricted"
)

// Valid reports whether t is a known tier.
func (t RiskTier) Valid() bool {
	switch t {
	case Safe, Write, Elevated, Unrestricted:
		return true
	}
	return false
}

// RiskRule assigns a tier to every granted pattern matching one of Patterns.
type RiskRule struct {
	Patterns    []string `yaml:"patterns" toml:"patterns" json:"patterns"`
	Risk        RiskTier `yaml:"risk" toml:"risk" json:"risk"`
	Description string   `yaml:"description,omitempty" toml:"description" json:"description,omitempty"`
}

// RiskRules is an ordered classification table.
type RiskRules []RiskRule

// DefaultRiskRules classifies grants by how much they reach. Rules match the
// granted pattern itself, so the broad forms are caught by the short rules and
// anything naming a concrete kind falls through to the longer ones.
func DefaultRiskRules(namespace string) RiskRules {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	ns := namespace + "."
	return RiskRules{
		{Patterns: []string{ns + "*"}, Risk: Unrestricted, Description: "every action on every item"},
		{Patterns: []string{ns + "execute.*"}, Risk: Elevated, Description: "execute items of any kind"},
		{Patterns: []string{ns + "execute.tool.*", ns + "execute.directive.*", ns + "sign.*"}, Risk: Write, Description: "side-effecting calls"},
		{Patterns: []string{ns + "execute.knowledge.*", ns + "search.*", ns + "load.*"}, Risk: Safe, Description: "read-only access"},
	}
}

// Classification is the tier chosen for a pattern and the rule that chose it.
type Classification struct {
	Tier RiskTier
	Rule *RiskRule
}

// Classify returns the tier of the most specific rule pattern matching
// granted. Specificity is the number of dots in the rule pattern, with the
// longer pattern winning ties. Unclassified grants are Safe.
func (r RiskRules) Classify(granted string) Classification {
	best := -1
	bestLen := -1
	var match *RiskRule
	for i := range r {
		for _, p := range r[i].Patterns {
			if !Match(p, granted) {
				continue
			}
			spec := strings.Count(p, ".")
			if spec > best || (spec == best && len(p) > bestLen) {
				best, bestLen = spec, len(p)
				match = &r[i]
			}
		}
	}
	if match == nil {
		return Classification{Tier: Safe}
	}
	return Classification{Tier: match.Risk, Rule: match}
}

// Validate checks every rule names a known tier and at least one pattern.
func (r RiskRules) Validate() error {
	for i, rule := range r {
		if !rule.Risk.Valid() {
			return fmt.Errorf("risk rule %d: unknown tier %q", i, rule.Risk)
		}
		if len(rule.Patterns) == 0 {
			return fmt.Errorf("risk rule %d: no patterns", i)
		}
	}
	return nil
}

// RiskNotice describes a granted pattern whose tier needs attention.
type RiskNotice struct {
	Capability  string
	Tier        RiskTier
	Description string
	Blocking    bool
}

func (n RiskNotice) String() string {
	if n.Blocking {
		return fmt.Sprintf("capability %q classified as %q (%s); acknowledge %q to allow it",
			n.Capability, n.Tier, n.Description, n.Tier)
	}
	return fmt.Sprintf("capability %q classified as %q (%s) without acknowledgment",
		n.Capability, n.Tier, n.Description)
}

// Assess reviews a granted set before a thread starts. Unrestricted grants
// that are not unblocked are blocking; elevated grants without
// acknowledgment are reported but do not block, since Check will deny them
// at use.
func (r RiskRules) Assess(set Set, acknowledged []RiskTier) []RiskNotice {
	ack := tierSet(acknowledged)
	var notices []RiskNotice
	for _, p := range set.patterns {
		c := r.Classify(p)
		desc := ""
		if c.Rule != nil {
			desc = c.Rule.Description
		}
		switch c.Tier {
		case Unrestricted:
			if !ack[Unrestricted] {
				notices = append(notices, RiskNotice{Capability: p, Tier: c.Tier, Description: desc, Blocking: true})
			}
		case Elevated:
			if !ack[Elevated] {
				notices = append(notices, RiskNotice{Capability: p, Tier: c.Tier, Description: desc})
			}
		}
	}
	return notices
}

// BroadGrants returns patterns that end in a wildcard within the first two
// segments, such as "ns.*" or "ns.execute.*".
func BroadGrants(set Set) []string {
	var out []string
	for _, p := range set.patterns {
		if strings.HasSuffix(p, ".*") && strings.Count(p, ".") <= 2 {
			out = append(out, p)
		}
	}
	return out
}

func tierSet(tiers []RiskTier) map[RiskTier]bool {
	m := make(map[RiskTier]bool, len(tiers))
	for _, t := range tiers {
		m[RiskTier(strings.ToLower(string(t)))] = true
	}
	return m
}
