package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/errand/internal/ir"
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidate_Clean(t *testing.T) {
	workflows, err := CompileFile("testdata/workflows.cue")
	require.NoError(t, err)
	for _, w := range workflows {
		assert.Empty(t, Validate(w, ir.AllPrimitives), w.Name)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	w := &Workflow{
		Name:              "messy",
		SpendCapSoftCents: 50,
		SpendCapHardCents: 10,
		Allowed:           []ir.Primitive{ir.PrimitiveWebFetch},
		Plan: ir.Plan{Steps: []ir.Step{
			{ID: "fetch", Primitive: ir.PrimitiveWebFetch},
			{ID: "fetch", Primitive: ir.PrimitiveWebFetch},
			{ID: "big", Primitive: ir.PrimitiveWebFetch, CostCents: 11},
			{ID: "", Primitive: ir.PrimitiveWebFetch},
			{ID: "send", Primitive: ir.PrimitiveEmailSend},
		}},
	}
	errs := Validate(w, nil)

	got := codes(errs)
	assert.Contains(t, got, ErrDuplicateStepID)
	assert.Contains(t, got, ErrCostAboveHard)
	assert.Contains(t, got, ErrEmptyStepID)
	assert.Contains(t, got, ErrSoftAboveHard)
	assert.Contains(t, got, ErrSendWithoutApproval)
	assert.Contains(t, got, ErrPrimitiveNotAllowed)
}

func TestValidate_NoSteps(t *testing.T) {
	errs := Validate(&Workflow{Name: "empty"}, ir.AllPrimitives)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrNoSteps, errs[0].Code)
	assert.Equal(t, "[E101] steps: at least one step is required", errs[0].Error())
}

func TestValidate_FallsBackToDefaultAllowlist(t *testing.T) {
	w := &Workflow{Plan: ir.Plan{Steps: []ir.Step{{ID: "fetch", Primitive: ir.PrimitiveWebFetch}}}}

	assert.Empty(t, Validate(w, []ir.Primitive{ir.PrimitiveWebFetch}))

	errs := Validate(w, []ir.Primitive{ir.PrimitiveEmailRead})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrPrimitiveNotAllowed, errs[0].Code)
	assert.Contains(t, errs[0].Message, "not allowed to use web_fetch")
}

func TestValidate_DeclaredEmptyAllowlistDeniesAll(t *testing.T) {
	w := &Workflow{
		Allowed: []ir.Primitive{},
		Plan:    ir.Plan{Steps: []ir.Step{{ID: "fetch", Primitive: ir.PrimitiveWebFetch}}},
	}
	errs := Validate(w, ir.AllPrimitives)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrPrimitiveNotAllowed, errs[0].Code)
}

func TestEffectiveAllowed(t *testing.T) {
	defaults := []ir.Primitive{ir.PrimitiveEmailRead}
	assert.Equal(t, defaults, EffectiveAllowed(&Workflow{}, defaults))

	own := []ir.Primitive{ir.PrimitiveWebFetch}
	assert.Equal(t, own, EffectiveAllowed(&Workflow{Allowed: own}, defaults))
}
