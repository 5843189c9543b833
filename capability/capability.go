// Package capability decides whether a thread may perform an action on an
// item, given the capability patterns it was granted.
//
// A capability string has the form
//
//	<namespace>.<action>.<kind>.<dotted-item-id-pattern>
//
// where the trailing segment is a glob (* and ?) matched against the item id
// with "/" rendered as ".". Search capabilities omit the item segment.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultNamespace prefixes capability strings when a Checker has none set.
const DefaultNamespace = "threads"

// Action is one of the four primary operations a thread can request.
type Action string

const (
	Execute Action = "execute"
	Search  Action = "search"
	Load    Action = "load"
	Sign    Action = "sign"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case Execute, Search, Load, Sign:
		return true
	}
	return false
}

// Kind is the kind of item an action targets.
type Kind string

const (
	Tool      Kind = "tool"
	Directive Kind = "directive"
	Knowledge Kind = "knowledge"
)

// Valid reports whether k is a known item kind.
func (k Kind) Valid() bool {
	switch k {
	case Tool, Directive, Knowledge:
		return true
	}
	return false
}

var (
	// ErrMalformed is returned when a capability string cannot be parsed.
	ErrMalformed = errors.New("malformed capability")

	// ErrEscalation is returned when a child asks for more than its parent holds.
	ErrEscalation = errors.New("capability escalation")
)

// Capability is a parsed capability string.
type Capability struct {
	Namespace string
	Action    Action
	Kind      Kind
	Pattern   string // dotted item-id glob; empty for kind-wide search grants
}

// String renders the capability in its canonical dotted form.
func (c Capability) String() string {
	s := c.Namespace + "." + string(c.Action) + "." + string(c.Kind)
	if c.Pattern != "" {
		s += "." + c.Pattern
	}
	return s
}

// Parse validates a capability string. Item ids with "/" are normalised to
// dots. Wildcards are allowed in the action, kind and pattern segments, in
// which case the segment is kept verbatim and not validated.
func Parse(s string) (Capability, error) {
	s = Normalize(s)
	parts := strings.SplitN(s, ".", 4)
	if len(parts) < 2 || parts[0] == "" {
		return Capability{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	c := Capability{Namespace: parts[0], Action: Action(parts[1])}
	if !c.Action.Valid() && !hasWildcard(parts[1]) {
		return Capability{}, fmt.Errorf("%w: unknown action %q in %q", ErrMalformed, parts[1], s)
	}
	if len(parts) >= 3 {
		c.Kind = Kind(parts[2])
		if !c.Kind.Valid() && !hasWildcard(parts[2]) {
			return Capability{}, fmt.Errorf("%w: unknown kind %q in %q", ErrMalformed, parts[2], s)
		}
	}
	if len(parts) == 4 {
		c.Pattern = parts[3]
	}
	return c, nil
}

// Normalize renders "/" separators as dots.
func Normalize(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "/", ".")
}

// Required builds the capability string that must be granted to perform
// action on the given item. Action and kind are lower-cased.
func Required(namespace string, action Action, kind Kind, itemID string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	s := namespace + "." + strings.ToLower(string(action)) + "." + strings.ToLower(string(kind))
	if itemID != "" {
		s += "." + strings.ReplaceAll(itemID, "/", ".")
	}
	return s
}

func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?")
}

// Set is an immutable, ordered, de-duplicated collection of granted patterns.
// The zero value grants nothing.
type Set struct {
	patterns []string
}

// NewSet builds a Set, normalising separators and dropping blanks and duplicates.
func NewSet(patterns ...string) Set {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = Normalize(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return Set{patterns: out}
}

// Patterns returns a copy of the granted patterns.
func (s Set) Patterns() []string {
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Len returns the number of granted patterns.
func (s Set) Len() int { return len(s.patterns) }

// Empty reports whether nothing is granted.
func (s Set) Empty() bool { return len(s.patterns) == 0 }

// With returns a new set with extra patterns appended.
func (s Set) With(patterns ...string) Set {
	return NewSet(append(s.Patterns(), patterns...)...)
}

// Allows reports whether any pattern matches required, ignoring risk tiers.
func (s Set) Allows(required string) bool {
	_, ok := s.firstMatch(required)
	return ok
}

func (s Set) firstMatch(required string) (string, bool) {
	for _, p := range s.patterns {
		if Match(p, required) {
			return p, true
		}
	}
	return "", false
}
