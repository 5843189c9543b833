package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckScenario(t *testing.T) {
	c := NewChecker(WithNamespace("ns"))
	granted := NewSet("ns.execute.tool.fs.*")

	assert.Nil(t, c.Check(granted, Execute, Tool, "fs/read"))

	d := c.Check(granted, Execute, Tool, "net/http")
	require.NotNil(t, d)
	assert.Equal(t, "ns.execute.tool.net.http", d.Required)
	assert.Contains(t, d.Message(), "ns.execute.tool.net.http")
	assert.Equal(t, "net/http", d.Fields()["denied_item_id"])
}

func TestCheckEmptySetDeniesEverything(t *testing.T) {
	c := NewChecker(WithNamespace("ns"))
	for _, action := range []Action{Execute, Search, Load, Sign} {
		for _, kind := range []Kind{Tool, Directive, Knowledge} {
			for _, id := range []string{"", "fs/read", "a"} {
				assert.NotNil(t, c.Check(Set{}, action, kind, id), "%s %s %q", action, kind, id)
				assert.NotNil(t, c.Check(NewSet(), action, kind, id))
			}
		}
	}
}

func TestCheckBypassIsEnumerated(t *testing.T) {
	c := NewChecker()
	assert.Nil(t, c.Check(Set{}, Execute, Tool, "threads/internal/control"))
	// prefix of an enumerated id is not a pattern
	assert.NotNil(t, c.Check(Set{}, Execute, Tool, "threads/internal/other"))
	assert.NotNil(t, c.Check(Set{}, Execute, Tool, "threads/internal/control/extra"))

	custom := NewChecker(WithBypass("ops/heartbeat"))
	assert.Nil(t, custom.Check(Set{}, Execute, Tool, "ops/heartbeat"))
	assert.NotNil(t, custom.Check(Set{}, Execute, Tool, "threads/internal/control"))
	assert.Equal(t, []string{"ops/heartbeat"}, custom.Bypass())
}

func TestCheckSearchWithoutItem(t *testing.T) {
	c := NewChecker(WithNamespace("ns"))
	assert.Nil(t, c.Check(NewSet("ns.search.knowledge"), Search, Knowledge, ""))
	assert.NotNil(t, c.Check(NewSet("ns.search.knowledge"), Search, Tool, ""))
}

func TestCheckLowercasesActionAndKind(t *testing.T) {
	c := NewChecker(WithNamespace("ns"))
	assert.Nil(t, c.Check(NewSet("ns.load.directive.*"), Action("LOAD"), Kind("Directive"), "init"))
}

func TestCheckRiskTiers(t *testing.T) {
	tests := []struct {
		name    string
		granted string
		action  Action
		ack     []RiskTier
		allowed bool
		tier    RiskTier
	}{
		{"write tier allowed", "ns.execute.tool.fs.*", Execute, nil, true, ""},
		{"safe tier allowed", "ns.load.tool.*", Load, nil, true, ""},
		{"elevated needs ack", "ns.execute.*", Execute, nil, false, Elevated},
		{"elevated acknowledged", "ns.execute.*", Execute, []RiskTier{Elevated}, true, ""},
		{"unrestricted denied", "ns.*", Execute, []RiskTier{Elevated}, false, Unrestricted},
		{"unrestricted unblocked", "ns.*", Execute, []RiskTier{Unrestricted}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(WithNamespace("ns"), WithAcknowledged(tt.ack...))
			d := c.Check(NewSet(tt.granted), tt.action, Tool, "fs/read")
			if tt.allowed {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.Equal(t, tt.tier, d.Tier)
		})
	}
}

func TestCheckIsMonotonic(t *testing.T) {
	c := NewChecker(WithNamespace("ns"))
	pool := []string{
		"ns.execute.tool.fs.*", "ns.execute.*", "ns.*", "ns.load.knowledge.docs.?",
		"ns.search.tool", "ns.execute.tool.net.http", "ns.sign.directive.*",
	}
	requests := []struct {
		action Action
		kind   Kind
		id     string
	}{
		{Execute, Tool, "fs/read"}, {Execute, Tool, "net/http"}, {Load, Knowledge, "docs/a"},
		{Search, Tool, ""}, {Sign, Directive, "x/y"}, {Execute, Directive, "boot"},
	}

	// Every subset of the pool, extended by every other pool entry.
	for mask := 0; mask < 1<<len(pool); mask++ {
		var base []string
		for i, p := range pool {
			if mask&(1<<i) != 0 {
				base = append(base, p)
			}
		}
		g := NewSet(base...)
		for _, extra := range pool {
			wider := g.With(extra)
			for _, r := range requests {
				if c.Check(g, r.action, r.kind, r.id) == nil {
					assert.Nil(t, c.Check(wider, r.action, r.kind, r.id),
						"adding %q to %v revoked %s %s %s", extra, base, r.action, r.kind, r.id)
				}
			}
		}
	}
}

func TestClassifyMostSpecificWins(t *testing.T) {
	rules := RiskRules{
		{Patterns: []string{"ns.*"}, Risk: Unrestricted},
		{Patterns: []string{"ns.search.*"}, Risk: Safe},
		{Patterns: []string{"ns.execute.tool.danger.*"}, Risk: Elevated},
	}
	assert.Equal(t, Unrestricted, rules.Classify("ns.*").Tier)
	assert.Equal(t, Safe, rules.Classify("ns.search.tool").Tier)
	assert.Equal(t, Elevated, rules.Classify("ns.execute.tool.danger.rm").Tier)
	assert.Equal(t, Unrestricted, rules.Classify("ns.execute.tool.fs.read").Tier)
	assert.Equal(t, Safe, rules.Classify("other.execute.tool.x").Tier)
	assert.NoError(t, rules.Validate())
	assert.Error(t, RiskRules{{Patterns: []string{"x"}, Risk: "spicy"}}.Validate())
}

func TestAssessAndBroadGrants(t *testing.T) {
	rules := DefaultRiskRules("ns")
	set := NewSet("ns.*", "ns.execute.*", "ns.execute.tool.fs.*")

	notices := rules.Assess(set, nil)
	require.Len(t, notices, 2)
	assert.True(t, notices[0].Blocking)
	assert.Equal(t, Unrestricted, notices[0].Tier)
	assert.False(t, notices[1].Blocking)
	assert.Equal(t, Elevated, notices[1].Tier)

	assert.Empty(t, rules.Assess(set, []RiskTier{Unrestricted, Elevated}))
	assert.Equal(t, []string{"ns.*", "ns.execute.*"}, BroadGrants(set))
}

func TestAttenuate(t *testing.T) {
	parent := NewSet("ns.execute.tool.fs.*", "ns.load.knowledge.*")

	inherited, err := Attenuate(parent, nil)
	require.NoError(t, err)
	assert.Equal(t, parent.Patterns(), inherited.Patterns())

	narrowed, err := Attenuate(parent, []string{"ns.execute.tool.fs.read", "ns/load/knowledge/docs/*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ns.execute.tool.fs.read", "ns.load.knowledge.docs.*"}, narrowed.Patterns())
	assert.True(t, narrowed.Subset(parent))

	_, err = Attenuate(parent, []string{"ns.execute.tool.*"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEscalation))

	root, err := Attenuate(Set{}, nil)
	require.NoError(t, err)
	assert.True(t, root.Empty())

	_, err = Attenuate(Set{}, []string{"ns.load.tool.x"})
	assert.ErrorIs(t, err, ErrEscalation)
}

func TestParse(t *testing.T) {
	c, err := Parse("ns.execute.tool.fs/read")
	require.NoError(t, err)
	assert.Equal(t, Capability{Namespace: "ns", Action: Execute, Kind: Tool, Pattern: "fs.read"}, c)
	assert.Equal(t, "ns.execute.tool.fs.read", c.String())

	c, err = Parse("ns.search.knowledge")
	require.NoError(t, err)
	assert.Equal(t, "", c.Pattern)

	_, err = Parse("ns.*")
	assert.NoError(t, err)

	_, err = Parse("ns.explode.tool.x")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Parse("ns.execute.widget.x")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Parse("ns")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRequired(t *testing.T) {
	assert.Equal(t, "threads.execute.tool.a.b", Required("", Execute, Tool, "a/b"))
	assert.Equal(t, "ns.search.directive", Required("ns", Search, Directive, ""))
}
