package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity matches every IntegrityError.
	ErrIntegrity = errors.New("integrity failure")

	ErrCircular       = errors.New("circular dependency")
	ErrTooDeep        = errors.New("chain too deep")
	ErrSpaceViolation = errors.New("space violation")
	ErrIOMismatch     = errors.New("i/o mismatch")
	ErrExecutorLookup = errors.New("executor not found")
)

// IntegrityKind names the way an item failed verification.
type IntegrityKind string

const (
	Unsigned       IntegrityKind = "unsigned"
	HashMismatch   IntegrityKind = "hash-mismatch"
	UntrustedKey   IntegrityKind = "untrusted-key"
	BadSignature   IntegrityKind = "bad-signature"
	StaleLockfile  IntegrityKind = "stale-lockfile"
	MissingElement IntegrityKind = "missing-element"
)

// IntegrityError reports a failed verification. It is never recovered by
// re-resolving.
type IntegrityError struct {
	Kind     IntegrityKind
	ItemID   string
	Expected string
	Actual   string
	Detail   string
}

func (e *IntegrityError) Error() string {
	switch e.Kind {
	case Unsigned:
		return fmt.Sprintf("item %s is unsigned", e.ItemID)
	case HashMismatch:
		return fmt.Sprintf("item %s content hash %s does not match signed hash %s", e.ItemID, short(e.Actual), short(e.Expected))
	case UntrustedKey:
		return fmt.Sprintf("item %s signed by untrusted key %s", e.ItemID, e.Expected)
	case BadSignature:
		return fmt.Sprintf("item %s has an invalid signature", e.ItemID)
	case StaleLockfile:
		return fmt.Sprintf("lockfile integrity mismatch for %s. Re-sign and delete stale lockfile", e.ItemID)
	case MissingElement:
		return fmt.Sprintf("lockfile chain element not found: %s (%s). Delete stale lockfile", e.ItemID, e.Detail)
	}
	return fmt.Sprintf("item %s: %s", e.ItemID, e.Kind)
}

// Is makes errors.Is(err, ErrIntegrity) hold for every kind.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
