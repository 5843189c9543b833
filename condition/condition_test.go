package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testDoc() map[string]any {
	return map[string]any{
		"event": "error",
		"error": map[string]any{
			"type":        "http",
			"status_code": 429,
			"message":     "rate limit exceeded, slow down",
		},
		"cost":  map[string]any{"turns": 3, "spend": 0.25},
		"items": []any{map[string]any{"name": "first"}, map[string]any{"name": "second"}},
		"tags":  []string{"alpha", "beta"},
		"empty": nil,
	}
}

func TestMatchesLeafOperators(t *testing.T) {
	doc := testDoc()
	tests := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"eq string", Leaf("event", OpEq, "error"), true},
		{"eq default op", &Condition{Path: "event", Value: "error"}, true},
		{"eq int vs float", Leaf("error.status_code", OpEq, 429.0), true},
		{"ne", Leaf("event", OpNe, "limit"), true},
		{"gt", Leaf("error.status_code", OpGt, 400), true},
		{"gte equal", Leaf("cost.turns", OpGte, 3), true},
		{"lt", Leaf("cost.spend", OpLt, 1), true},
		{"lte false", Leaf("cost.turns", OpLte, 2), false},
		{"gt string vs number", Leaf("event", OpGt, 3), false},
		{"in", Leaf("error.status_code", OpIn, []any{429, 503}), true},
		{"in not a list", Leaf("error.status_code", OpIn, 429), false},
		{"contains substring", Leaf("error.message", OpContains, "rate limit"), true},
		{"contains list", Leaf("tags", OpContains, "beta"), true},
		{"regex", Leaf("error.message", OpRegex, `^rate\s+limit`), true},
		{"regex bad pattern", Leaf("error.message", OpRegex, `(`), false},
		{"exists", Leaf("error.type", OpExists, nil), true},
		{"exists nil value", Leaf("empty", OpExists, nil), false},
		{"list index", Leaf("items.1.name", OpEq, "second"), true},
		{"list index out of range", Leaf("items.5.name", OpExists, nil), false},
		{"unknown operator", Leaf("event", Operator("like"), "error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(doc, tt.cond))
		})
	}
}

func TestMatchesAbsentPath(t *testing.T) {
	doc := testDoc()
	for _, op := range []Operator{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpRegex, OpExists} {
		assert.False(t, Matches(doc, Leaf("missing.path", op, "x")), "operator %s on absent path", op)
	}
	assert.True(t, Matches(doc, NotOf(Leaf("missing.path", OpExists, nil))))
}

func TestMatchesCombinators(t *testing.T) {
	doc := testDoc()
	is429 := Leaf("error.status_code", OpEq, 429)
	is500 := Leaf("error.status_code", OpEq, 500)

	assert.True(t, Matches(doc, AnyOf(is500, is429)))
	assert.False(t, Matches(doc, AllOf(is500, is429)))
	assert.True(t, Matches(doc, AllOf(is429, Leaf("event", OpEq, "error"))))
	assert.True(t, Matches(doc, NotOf(is500)))
	assert.False(t, Matches(doc, AnyOf()))
	assert.True(t, Matches(doc, AllOf()))
	assert.True(t, Matches(doc, nil))
	assert.True(t, Matches(doc, &Condition{}))
	assert.False(t, AnyOf().IsEmpty())
	assert.False(t, AllOf().IsEmpty())

	var empty Condition
	require.NoError(t, yaml.Unmarshal([]byte("any: []"), &empty))
	assert.False(t, Matches(doc, &empty), "an empty any list matches nothing")
}

func TestConditionFromYAML(t *testing.T) {
	src := `
any:
  - path: error.status_code
    op: in
    value: [429, 529]
  - all:
      - path: error.type
        op: eq
        value: timeout
      - not:
          path: error.retry_after
          op: exists
`
	var c Condition
	require.NoError(t, yaml.Unmarshal([]byte(src), &c))
	assert.True(t, Matches(testDoc(), &c))
	assert.True(t, Matches(map[string]any{"error": map[string]any{"type": "timeout"}}, &c))
	assert.False(t, Matches(map[string]any{"error": map[string]any{"type": "timeout", "retry_after": 3}}, &c))
}

func TestResolveTypedContainers(t *testing.T) {
	doc := map[string]any{
		"headers": map[string]string{"retry-after": "7"},
		"ids":     []int{4, 5},
	}
	v, ok := Resolve(doc, "headers.retry-after")
	require.True(t, ok)
	assert.Equal(t, "7", v)

	v, ok = Resolve(doc, "ids.1")
	require.True(t, ok)
	assert.Equal(t, 5, v)

	_, ok = Resolve(doc, "ids.x")
	assert.False(t, ok)
}
