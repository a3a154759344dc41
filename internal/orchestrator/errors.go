package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookforge/bookforge/internal/llm"
	"github.com/bookforge/bookforge/internal/phase"
)

// Class partitions executor errors for the scheduler's retry decision
type Class string

const (
	// ClassTransient errors retry up to the phase's attempt cap
	ClassTransient Class = "transient"
	// ClassPolicy errors are fatal: the provider refused the content
	ClassPolicy Class = "policy"
	// ClassCapacity errors are fatal and need operator attention
	ClassCapacity Class = "capacity"
	// ClassConsistency errors are fatal invariant violations
	ClassConsistency Class = "consistency"
	// ClassCanceled marks user cancellation, terminal but not an error
	ClassCanceled Class = "canceled"
)

// ExecError is a classified executor failure for one phase instance
type ExecError struct {
	Class   Class
	Phase   string
	Index   int
	Attempt int
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s[%d] attempt %d (%s): %v", e.Phase, e.Index, e.Attempt, e.Class, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error ends the job regardless of remaining
// attempts
func (e *ExecError) Fatal() bool {
	return e.Class == ClassPolicy || e.Class == ClassCapacity || e.Class == ClassConsistency
}

// classify maps a raw executor error onto its class. Validation failures
// arrive pre-classified as transient; provider errors map through their kind.
func classify(err error) Class {
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, phase.ErrUnsatisfied), errors.Is(err, ErrCorrupt):
		return ClassConsistency
	}

	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case llm.KindContentPolicy:
			return ClassPolicy
		case llm.KindQuota, llm.KindAuth:
			return ClassCapacity
		default:
			return ClassTransient
		}
	}
	// Timeouts and everything unrecognized retry below the cap
	return ClassTransient
}

// execErr wraps and classifies in one step
func execErr(phaseName string, index, attempt int, err error) *ExecError {
	return &ExecError{
		Class:   classify(err),
		Phase:   phaseName,
		Index:   index,
		Attempt: attempt,
		Err:     err,
	}
}
