package compiler

import (
	"cuelang.org/go/cue"
)

// schemaSource constrains workflow files. Defaults live here rather than in
// Go so that `cue eval` on a workflow file shows what will run.
const schemaSource = `
#Primitive: "web_fetch" | "email_read" | "llm_summarize" | "llm_draft" | "email_send"

#Step: {
	id:                string & != ""
	primitive:         #Primitive
	risk:              *"low" | "medium" | "high"
	requires_approval: *false | bool
	cost_cents:        *0 | int & >=0
	input: [string]: string
}

#Workflow: {
	description?: string
	max_retries?: int & >=0
	allowed?: [...#Primitive]
	spend?: {
		soft_cents: *0 | int & >=0
		hard_cents: *0 | int & >=0
	}
	provider?: {
		kind:  string
		tier?: string
	}
	steps: [#Step, ...#Step]
}
`

// workflowSchema compiles the schema in ctx. Values from different contexts
// cannot be unified, so the schema is compiled per call.
func workflowSchema(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return v.LookupPath(cue.ParsePath("#Workflow")), nil
}
