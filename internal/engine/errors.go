package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/errand/internal/ir"
	"github.com/roach88/errand/internal/store"
)

// InvalidPlanError rejects a StartRequest before anything is written.
type InvalidPlanError struct {
	// StepID identifies the offending step, empty for request-level problems.
	StepID string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *InvalidPlanError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("invalid plan: step %q: %s", e.StepID, e.Message)
	}
	return fmt.Sprintf("invalid plan: %s", e.Message)
}

// IsInvalidPlan reports whether err is an InvalidPlanError.
// Uses errors.As to handle wrapped errors.
func IsInvalidPlan(err error) bool {
	var ipe *InvalidPlanError
	return errors.As(err, &ipe)
}

// TransitionError reports an attempt to move a run along an edge that is not
// in the transition table. It indicates a bug, not a workflow outcome.
type TransitionError struct {
	RunID string
	From  ir.RunState
	To    ir.RunState
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}

// IsNotFound reports whether err means the requested run, approval,
// clarification or receipt does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
