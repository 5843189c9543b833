package threads

import (
	"errors"
	"fmt"
	"testing"

	"github.com/everydev1618/threads/budget"
	"github.com/shopspring/decimal"
)

func TestStandardErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ErrThreadNotFound", ErrThreadNotFound, "thread not found"},
		{"ErrMaxThreadsReached", ErrMaxThreadsReached, "maximum number of threads reached"},
		{"ErrSpawnLimit", ErrSpawnLimit, "spawn limit exceeded"},
		{"ErrDepthExhausted", ErrDepthExhausted, "depth limit exhausted"},
		{"ErrCancelled", ErrCancelled, "thread cancelled"},
		{"ErrRetriesExhausted", ErrRetriesExhausted, "retries exhausted"},
		{"ErrNotTerminal", ErrNotTerminal, "thread has not finished"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("%s.Error() = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestThreadError(t *testing.T) {
	err := &ThreadError{
		ThreadID:  "abc123",
		Directive: "research",
		Err:       ErrSpawnLimit,
	}

	want := "thread abc123 (research): spawn limit exceeded"
	if got := err.Error(); got != want {
		t.Errorf("ThreadError.Error() = %q, want %q", got, want)
	}

	if got := err.Unwrap(); got != ErrSpawnLimit {
		t.Errorf("ThreadError.Unwrap() = %v, want %v", got, ErrSpawnLimit)
	}

	if !errors.Is(err, ErrSpawnLimit) {
		t.Error("errors.Is(ThreadError, ErrSpawnLimit) should be true")
	}
}

func TestErrorWrapping(t *testing.T) {
	insufficient := &budget.InsufficientBudgetError{
		ParentID:  "root",
		Remaining: decimal.RequireFromString("0.40"),
		Requested: decimal.RequireFromString("0.50"),
	}
	err := &ThreadError{
		ThreadID:  "child",
		Directive: "summarize",
		Err:       fmt.Errorf("reserve budget: %w", insufficient),
	}

	var target *budget.InsufficientBudgetError
	if !errors.As(err, &target) {
		t.Fatal("errors.As should find the budget error through ThreadError")
	}
	if target.ParentID != "root" {
		t.Errorf("ParentID = %q, want root", target.ParentID)
	}
}
