package chain

import (
	"fmt"
	"strings"
)

// validatePair checks that child may delegate to parent. A hop may only move
// to an equal or lower precedence space, and when both sides declare I/O the
// child's outputs must satisfy the parent's inputs.
func validatePair(child, parent *Item) error {
	if child.Space.Precedence() < parent.Space.Precedence() {
		return fmt.Errorf("%w: %s from %s space cannot depend on %s from %s space",
			ErrSpaceViolation, child.ID, child.Space, parent.ID, parent.Space)
	}
	if len(child.Outputs) == 0 || len(parent.Inputs) == 0 {
		return nil
	}
	have := make(map[string]bool, len(child.Outputs))
	for _, o := range child.Outputs {
		have[o] = true
	}
	var missing []string
	for _, in := range parent.Inputs {
		if !have[in] {
			missing = append(missing, in)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s not provided by %s",
			ErrIOMismatch, parent.ID, strings.Join(missing, ", "), child.ID)
	}
	return nil
}
