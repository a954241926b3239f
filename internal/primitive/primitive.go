// Package primitive is the boundary between the run engine and the
// side-effecting world (language models, web fetches, mailboxes).
//
// Each ir.Primitive kind is served by exactly one Executor. A Registry is
// only constructible when every kind has one, so adding a kind without an
// executor fails at startup rather than at the first tick that needs it.
//
// Executors never decide policy. They report what happened, and they must
// classify every failure as retryable or not (ClassifiedError). The engine
// never inspects error text.
package primitive

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/errand/internal/ir"
)

// StepContext is everything an executor may use to perform one step.
type StepContext struct {
	RunID     string
	StepID    string
	ActionID  string
	Primitive ir.Primitive
	Input     map[string]string

	// Answers holds clarification answers for this step keyed by field.
	Answers map[string]string

	// Prior holds the outputs of steps already completed in this run.
	Prior map[string]Output

	// IdempotencyKey is unique per attempt. Executors that reach external
	// services should forward it so the remote side can deduplicate.
	IdempotencyKey string
	Attempt        int

	ProviderKind string
	ProviderTier string
}

// Value returns the input for key, preferring a clarification answer.
func (sc StepContext) Value(key string) (string, bool) {
	if v, ok := sc.Answers[key]; ok && v != "" {
		return v, true
	}
	v, ok := sc.Input[key]
	return v, ok && v != ""
}

// Output is the result of a successful step.
type Output map[string]string

// Executor performs one primitive kind.
type Executor interface {
	Execute(ctx context.Context, sc StepContext) (Output, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, sc StepContext) (Output, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, sc StepContext) (Output, error) {
	return f(ctx, sc)
}

// ClassifiedError is a failure with an explicit retry classification.
// Reason must be short and readable by a non-technical user.
type ClassifiedError struct {
	Retryable bool
	Reason    string
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Retryable {
		return "retryable: " + e.Reason
	}
	return e.Reason
}

// Retryable returns a transient failure (network, provider overload).
func Retryable(reason string) error {
	return &ClassifiedError{Retryable: true, Reason: reason}
}

// Permanent returns a failure that retrying cannot fix (invalid input,
// provider rejection).
func Permanent(reason string) error {
	return &ClassifiedError{Retryable: false, Reason: reason}
}

// MissingFieldError signals that the step cannot run until the user
// supplies one more field. It is not a failure.
type MissingFieldError struct {
	FieldKey string
	Question string
}

// Error implements the error interface.
func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q", e.FieldKey)
}

// MissingField returns a MissingFieldError.
func MissingField(fieldKey, question string) error {
	return &MissingFieldError{FieldKey: fieldKey, Question: question}
}

// AsMissingField extracts a MissingFieldError from err.
func AsMissingField(err error) (*MissingFieldError, bool) {
	var mf *MissingFieldError
	if errors.As(err, &mf) {
		return mf, true
	}
	return nil, false
}

// unclassifiedReason is used when an executor breaks the contract and
// returns a plain error.
const unclassifiedReason = "the action failed for an unexpected reason"

// Classify reads the retry classification off err. Errors that do not carry
// one are treated as permanent.
func Classify(err error) (retryable bool, reason string) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable, ce.Reason
	}
	return false, unclassifiedReason
}
