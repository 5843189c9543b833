package capability

import (
	"fmt"
	"strings"
)

// Attenuate derives a child's granted set. A child that declares nothing
// inherits parent verbatim. Otherwise every declared pattern must be covered
// by some parent pattern; the first that is not yields ErrEscalation.
func Attenuate(parent Set, declared []string) (Set, error) {
	child := NewSet(declared...)
	if child.Empty() {
		return parent, nil
	}
	var escalated []string
	for _, c := range child.patterns {
		if !parent.covers(c) {
			escalated = append(escalated, c)
		}
	}
	if len(escalated) > 0 {
		return Set{}, fmt.Errorf("%w: %s not held by parent", ErrEscalation, strings.Join(escalated, ", "))
	}
	return child, nil
}

// Subset reports whether every pattern in s is covered by some pattern in of.
func (s Set) Subset(of Set) bool {
	for _, p := range s.patterns {
		if !of.covers(p) {
			return false
		}
	}
	return true
}

func (s Set) covers(child string) bool {
	for _, p := range s.patterns {
		if Covers(p, child) {
			return true
		}
	}
	return false
}
