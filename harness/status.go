package harness

import (
	"errors"
	"fmt"
)

// Status is a thread's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	// StatusContinued marks a thread handed off to a continuation.
	StatusContinued Status = "continued"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusContinued:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusCreated:   {StatusRunning, StatusCancelled, StatusError},
	StatusRunning:   {StatusCompleted, StatusError, StatusSuspended, StatusCancelled, StatusContinued},
	StatusSuspended: {StatusRunning, StatusCancelled},
}

// ErrInvalidTransition is returned for a transition the state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
