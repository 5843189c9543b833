package threads

import (
	"errors"
	"fmt"
)

var (
	ErrThreadNotFound    = errors.New("thread not found")
	ErrDirectiveNotFound = errors.New("directive not found")
	ErrMaxThreadsReached = errors.New("maximum number of threads reached")
	ErrSpawnLimit        = errors.New("spawn limit exceeded")
	ErrDepthExhausted    = errors.New("depth limit exhausted")
	ErrCancelled         = errors.New("thread cancelled")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrNotTerminal       = errors.New("thread has not finished")
	ErrNotSuspended      = errors.New("thread is not suspended")
	ErrNoProvider        = errors.New("no language model provider configured")
	ErrRiskRefused       = errors.New("capability grant refused")
	ErrShutdown          = errors.New("orchestrator is shut down")
)

// ThreadError ties an error to the thread and directive it came from.
type ThreadError struct {
	ThreadID  string
	Directive string
	Err       error
}

func (e *ThreadError) Error() string {
	return fmt.Sprintf("thread %s (%s): %v", e.ThreadID, e.Directive, e.Err)
}

func (e *ThreadError) Unwrap() error {
	return e.Err
}
