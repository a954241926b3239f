package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/errand/internal/ir"
)

func TestCheck_Allowed(t *testing.T) {
	allowed := NewSet(ir.PrimitiveWebFetch, ir.PrimitiveLLMSummarize)

	assert.NoError(t, Check(ir.PrimitiveWebFetch, allowed))
	assert.NoError(t, Check(ir.PrimitiveLLMSummarize, allowed))
}

func TestCheck_DenyByDefault(t *testing.T) {
	err := Check(ir.PrimitiveWebFetch, NewSet())
	require.Error(t, err)
	assert.True(t, IsDenied(err))

	var de *DeniedError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ir.PrimitiveWebFetch, de.Primitive)
	assert.Contains(t, de.Reason, "web_fetch")
}

func TestCheck_NilSetDenies(t *testing.T) {
	assert.True(t, IsDenied(Check(ir.PrimitiveEmailRead, nil)))
}

func TestCheck_UnknownPrimitive(t *testing.T) {
	// Even a set that somehow contains the unknown kind does not allow it.
	err := Check(ir.Primitive("shell_exec"), NewSet(ir.Primitive("shell_exec")))
	assert.True(t, IsDenied(err))
}

func TestRequiresApproval(t *testing.T) {
	assert.False(t, RequiresApproval(ir.Step{Primitive: ir.PrimitiveWebFetch}))
	assert.True(t, RequiresApproval(ir.Step{Primitive: ir.PrimitiveWebFetch, RequiresApproval: true}))

	// Outbound send is gated even when the plan says otherwise.
	assert.True(t, RequiresApproval(ir.Step{Primitive: ir.PrimitiveEmailSend}))
}

func TestValidatePlan_SendWithoutApproval(t *testing.T) {
	plan := ir.Plan{Steps: []ir.Step{
		{ID: "draft", Primitive: ir.PrimitiveLLMDraft},
		{ID: "send", Primitive: ir.PrimitiveEmailSend},
	}}

	errs := ValidatePlan(plan, nil)
	require.Len(t, errs, 1)
	assert.Equal(t, "send", errs[0].StepID)
}

func TestValidatePlan_CollectsAllViolations(t *testing.T) {
	plan := ir.Plan{Steps: []ir.Step{
		{ID: "fetch", Primitive: ir.PrimitiveWebFetch},
		{ID: "send", Primitive: ir.PrimitiveEmailSend},
	}}

	errs := ValidatePlan(plan, NewSet(ir.PrimitiveLLMSummarize))
	// fetch not allowed; send not allowed and missing approval
	assert.Len(t, errs, 3)
}

func TestValidatePlan_Clean(t *testing.T) {
	plan := ir.Plan{Steps: []ir.Step{
		{ID: "draft", Primitive: ir.PrimitiveLLMDraft},
		{ID: "send", Primitive: ir.PrimitiveEmailSend, RequiresApproval: true},
	}}

	assert.Empty(t, ValidatePlan(plan, NewSet(ir.PrimitiveLLMDraft, ir.PrimitiveEmailSend)))
}
