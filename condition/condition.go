// Package condition evaluates boolean match trees over documents and
// interpolates ${path} references into hook action payloads.
package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Operator names a leaf comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
	OpExists   Operator = "exists"
)

// Condition is either a leaf comparison or a combinator over child conditions.
// Exactly one of Any, All, Not or the leaf fields is expected to be set; when
// several are set the combinators take precedence in that order.
type Condition struct {
	Path  string   `yaml:"path,omitempty" toml:"path" json:"path,omitempty"`
	Op    Operator `yaml:"op,omitempty" toml:"op" json:"op,omitempty"`
	Value any      `yaml:"value,omitempty" toml:"value" json:"value,omitempty"`

	Any []*Condition `yaml:"any,omitempty" toml:"any" json:"any,omitempty"`
	All []*Condition `yaml:"all,omitempty" toml:"all" json:"all,omitempty"`
	Not *Condition   `yaml:"not,omitempty" toml:"not" json:"not,omitempty"`
}

// Leaf builds a leaf condition.
func Leaf(path string, op Operator, value any) *Condition {
	return &Condition{Path: path, Op: op, Value: value}
}

// AnyOf matches when at least one child matches. With no children it
// matches nothing.
func AnyOf(cs ...*Condition) *Condition {
	return &Condition{Any: append([]*Condition{}, cs...)}
}

// AllOf matches when every child matches. With no children it matches
// everything.
func AllOf(cs ...*Condition) *Condition {
	return &Condition{All: append([]*Condition{}, cs...)}
}

// NotOf inverts a condition.
func NotOf(c *Condition) *Condition { return &Condition{Not: c} }

// IsEmpty reports whether the condition carries no test at all.
func (c *Condition) IsEmpty() bool {
	return c == nil || (c.Path == "" && c.Op == "" && c.Value == nil &&
		c.Any == nil && c.All == nil && c.Not == nil)
}

// Matches evaluates c against doc. An empty condition matches everything.
func Matches(doc any, c *Condition) bool {
	if c.IsEmpty() {
		return true
	}
	switch {
	case c.Any != nil:
		for _, child := range c.Any {
			if Matches(doc, child) {
				return true
			}
		}
		return false
	case c.All != nil:
		for _, child := range c.All {
			if !Matches(doc, child) {
				return false
			}
		}
		return true
	case c.Not != nil:
		return !Matches(doc, c.Not)
	}

	op := c.Op
	if op == "" {
		op = OpEq
	}
	actual, ok := Resolve(doc, c.Path)
	return apply(op, actual, ok, c.Value)
}

// Resolve walks a dotted path through nested maps and slices. Numeric
// segments index into slices. The second return is false when any segment is
// missing or the final value is nil.
func Resolve(doc any, path string) (any, bool) {
	if path == "" {
		return doc, doc != nil
	}
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			next, ok := resolveReflect(cur, part)
			if !ok {
				return nil, false
			}
			cur = next
		}
	}
	return cur, cur != nil
}

// resolveReflect handles typed maps and slices decoded from YAML or built by callers.
func resolveReflect(cur any, part string) (any, bool) {
	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(part).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(part)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

func apply(op Operator, actual any, present bool, expected any) bool {
	if op == OpExists {
		return present
	}
	if !present {
		return false
	}
	switch op {
	case OpEq:
		return equal(actual, expected)
	case OpNe:
		return !equal(actual, expected)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compare(actual, expected)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		return member(actual, expected)
	case OpContains:
		if s, ok := asSlice(actual); ok {
			for _, item := range s {
				if equal(item, expected) {
					return true
				}
			}
			return false
		}
		return strings.Contains(Stringify(actual), Stringify(expected))
	case OpRegex:
		pattern, ok := expected.(string)
		if !ok {
			return false
		}
		re, err := compileCached(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(Stringify(actual))
	}
	return false
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers numerically and strings lexically; mixed kinds do not compare.
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func member(actual, set any) bool {
	items, ok := asSlice(set)
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(actual, item) {
			return true
		}
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case fmt.Stringer:
		// decimal.Decimal and similar numeric wrappers
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	}
	return 0, false
}

// Stringify renders a resolved value the way interpolation inserts it.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}

var regexCache sync.Map

func compileCached(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}
