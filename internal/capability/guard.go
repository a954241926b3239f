// Package capability decides whether a workflow instance may use a primitive.
//
// The guard is deny-by-default: a primitive is allowed only when it appears in
// the instance's allowlist. There are no wildcards and no inheritance.
//
// The outbound send primitive is never satisfiable by the allowlist alone.
// It always requires an approval gate. The compiler enforces this when a plan
// is authored (ValidatePlan) and the engine enforces it again at execution
// time (RequiresApproval), whatever the plan declares.
package capability

import (
	"errors"
	"fmt"

	"github.com/roach88/errand/internal/ir"
)

// DeniedError reports that a primitive is not allowlisted.
type DeniedError struct {
	Primitive ir.Primitive
	Reason    string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability denied: %s", e.Reason)
}

// IsDenied reports whether err is a DeniedError.
func IsDenied(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}

// Set is an allowlist of primitives.
type Set map[ir.Primitive]struct{}

// NewSet builds a Set from a list.
func NewSet(primitives ...ir.Primitive) Set {
	s := make(Set, len(primitives))
	for _, p := range primitives {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set.
func (s Set) Has(p ir.Primitive) bool {
	_, ok := s[p]
	return ok
}

// Check returns nil when p is allowlisted, otherwise a *DeniedError.
func Check(p ir.Primitive, allowed Set) error {
	if !p.Valid() {
		return &DeniedError{
			Primitive: p,
			Reason:    fmt.Sprintf("%q is not a known action", p),
		}
	}
	if !allowed.Has(p) {
		return &DeniedError{
			Primitive: p,
			Reason:    fmt.Sprintf("this automation is not allowed to use %s", p),
		}
	}
	return nil
}

// RequiresApproval reports whether a step must pass an approval gate before
// it executes. Outbound send always does.
func RequiresApproval(step ir.Step) bool {
	return step.RequiresApproval || step.Primitive == ir.PrimitiveEmailSend
}

// MsgSendWithoutApproval is the PlanError message for an outbound send step
// that does not declare requires_approval.
const MsgSendWithoutApproval = "outbound send must declare requires_approval"

// PlanError describes one authoring-time policy violation.
type PlanError struct {
	StepID  string
	Message string
}

// Error implements the error interface.
func (e PlanError) Error() string {
	return fmt.Sprintf("step %q: %s", e.StepID, e.Message)
}

// ValidatePlan checks a plan against policy at authoring time. It returns
// every violation found, not just the first.
func ValidatePlan(plan ir.Plan, allowed Set) []PlanError {
	var errs []PlanError
	for _, step := range plan.Steps {
		if step.Primitive == ir.PrimitiveEmailSend && !step.RequiresApproval {
			errs = append(errs, PlanError{
				StepID:  step.ID,
				Message: MsgSendWithoutApproval,
			})
		}
		if allowed != nil {
			if err := Check(step.Primitive, allowed); err != nil {
				var de *DeniedError
				errors.As(err, &de)
				errs = append(errs, PlanError{StepID: step.ID, Message: de.Reason})
			}
		}
	}
	return errs
}
