package compiler

import (
	"fmt"

	"github.com/roach88/errand/internal/capability"
	"github.com/roach88/errand/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// Structure (E101-E109)
	ErrNoSteps         = "E101" // at least one step required
	ErrDuplicateStepID = "E102" // step ids must be unique
	ErrEmptyStepID     = "E103" // step id is required

	// Policy (E110-E119)
	ErrPrimitiveNotAllowed = "E110" // step uses a primitive outside the allowlist
	ErrSendWithoutApproval = "E111" // outbound send must declare requires_approval
	ErrSoftAboveHard       = "E112" // soft spend cap exceeds hard cap
	ErrCostAboveHard       = "E113" // a single step costs more than the hard cap
)

// ValidationError represents one policy or structure problem in a workflow.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled workflow against authoring-time policy.
// defaultAllowed is used when the workflow declares no allowlist of its own.
// Returns all errors found (does not fail-fast).
func Validate(w *Workflow, defaultAllowed []ir.Primitive) []ValidationError {
	var errs []ValidationError

	if len(w.Plan.Steps) == 0 {
		errs = append(errs, ValidationError{
			Field:   "steps",
			Message: "at least one step is required",
			Code:    ErrNoSteps,
		})
	}

	seen := make(map[string]bool, len(w.Plan.Steps))
	for i, step := range w.Plan.Steps {
		field := fmt.Sprintf("steps[%d].id", i)
		if step.ID == "" {
			errs = append(errs, ValidationError{Field: field, Message: "step id is required", Code: ErrEmptyStepID})
			continue
		}
		if seen[step.ID] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
				Code:    ErrDuplicateStepID,
			})
		}
		seen[step.ID] = true

		if hard := w.SpendCapHardCents; hard > 0 && step.CostCents > hard {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("steps[%d].cost_cents", i),
				Message: fmt.Sprintf("step %q costs %d cents, over the hard cap of %d", step.ID, step.CostCents, hard),
				Code:    ErrCostAboveHard,
			})
		}
	}

	if w.SpendCapSoftCents > 0 && w.SpendCapHardCents > 0 && w.SpendCapSoftCents > w.SpendCapHardCents {
		errs = append(errs, ValidationError{
			Field:   "spend.soft_cents",
			Message: fmt.Sprintf("soft cap %d exceeds hard cap %d", w.SpendCapSoftCents, w.SpendCapHardCents),
			Code:    ErrSoftAboveHard,
		})
	}

	allowed := capability.NewSet(EffectiveAllowed(w, defaultAllowed)...)
	for _, pe := range capability.ValidatePlan(w.Plan, allowed) {
		code := ErrPrimitiveNotAllowed
		if pe.Message == capability.MsgSendWithoutApproval {
			code = ErrSendWithoutApproval
		}
		errs = append(errs, ValidationError{
			Field:   fmt.Sprintf("steps[%s]", pe.StepID),
			Message: pe.Message,
			Code:    code,
		})
	}

	return errs
}

// EffectiveAllowed returns the allowlist a run of w executes under.
func EffectiveAllowed(w *Workflow, defaultAllowed []ir.Primitive) []ir.Primitive {
	if w.Allowed != nil {
		return w.Allowed
	}
	return defaultAllowed
}
