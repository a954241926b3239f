package engine

import (
	"fmt"

	"github.com/roach88/errand/internal/ir"
)

// validateStart checks a StartRequest for structural problems and returns
// the plan with defaults filled in. Policy (allowlist, approvals, caps) is
// not checked here; those are evaluated per step at tick time.
func validateStart(req StartRequest) (ir.Plan, error) {
	if req.IdempotencyKey == "" {
		return ir.Plan{}, &InvalidPlanError{Message: "idempotency key is required"}
	}
	if req.MaxRetries < 0 {
		return ir.Plan{}, &InvalidPlanError{Message: fmt.Sprintf("max_retries must be >= 0, got %d", req.MaxRetries)}
	}
	if req.SpendCapSoftCents < 0 || req.SpendCapHardCents < 0 {
		return ir.Plan{}, &InvalidPlanError{Message: "spend caps must be >= 0"}
	}
	if req.SpendCapSoftCents > 0 && req.SpendCapHardCents > 0 && req.SpendCapSoftCents > req.SpendCapHardCents {
		return ir.Plan{}, &InvalidPlanError{Message: fmt.Sprintf(
			"soft cap %d exceeds hard cap %d", req.SpendCapSoftCents, req.SpendCapHardCents)}
	}
	for _, p := range req.Allowed {
		if !p.Valid() {
			return ir.Plan{}, &InvalidPlanError{Message: fmt.Sprintf("allowlist names unknown primitive %q", p)}
		}
	}
	if len(req.Plan.Steps) == 0 {
		return ir.Plan{}, &InvalidPlanError{Message: "plan has no steps"}
	}

	plan := ir.Plan{Steps: make([]ir.Step, len(req.Plan.Steps))}
	seen := make(map[string]bool, len(req.Plan.Steps))
	for i, step := range req.Plan.Steps {
		if step.ID == "" {
			return ir.Plan{}, &InvalidPlanError{Message: fmt.Sprintf("step %d has no id", i)}
		}
		if seen[step.ID] {
			return ir.Plan{}, &InvalidPlanError{StepID: step.ID, Message: "duplicate step id"}
		}
		seen[step.ID] = true

		if !step.Primitive.Valid() {
			return ir.Plan{}, &InvalidPlanError{StepID: step.ID, Message: fmt.Sprintf("unknown primitive %q", step.Primitive)}
		}
		if step.CostCents < 0 {
			return ir.Plan{}, &InvalidPlanError{StepID: step.ID, Message: "cost_cents must be >= 0"}
		}
		if step.Risk == "" {
			step.Risk = ir.RiskLow
		}
		if !step.Risk.Valid() {
			return ir.Plan{}, &InvalidPlanError{StepID: step.ID, Message: fmt.Sprintf("unknown risk tier %q", step.Risk)}
		}

		input := make(map[string]string, len(step.Input))
		for k, v := range step.Input {
			input[k] = v
		}
		step.Input = input
		plan.Steps[i] = step
	}
	return plan, nil
}
