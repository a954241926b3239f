package compiler

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/errand/internal/ir"
)

// Workflow is a compiled workflow file: the plan plus the policy it runs
// under.
type Workflow struct {
	Name        string
	Description string
	Plan        ir.Plan

	// Allowed is nil when the file declares no allowlist. Callers then fall
	// back to the configured default.
	Allowed []ir.Primitive

	// MaxRetries is nil when the file does not set it.
	MaxRetries *int

	SpendCapSoftCents int64
	SpendCapHardCents int64
	ProviderKind      string
	ProviderTier      string
}

// CompileFile reads and compiles every workflow in a CUE file.
func CompileFile(path string) ([]*Workflow, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return CompileSource(path, src)
}

// CompileSource compiles every workflow under the top-level `workflow`
// field of src, in name order. filename is used for error positions.
//
// Uses CUE SDK's Go API directly (not CLI subprocess).
func CompileSource(filename string, src []byte) ([]*Workflow, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath("workflow"))
	if !root.Exists() {
		return nil, &CompileError{Field: "workflow", Message: "no workflow defined", Pos: v.Pos()}
	}

	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var workflows []*Workflow
	for iter.Next() {
		w, err := CompileWorkflow(iter.Value())
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	if len(workflows) == 0 {
		return nil, &CompileError{Field: "workflow", Message: "no workflow defined", Pos: root.Pos()}
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })
	return workflows, nil
}

// CompileWorkflow parses one workflow struct. The value is unified with the
// #Workflow schema first, so defaults are filled in and type errors carry
// source positions.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`workflow: digest: { steps: [...] }`)
//	w, err := CompileWorkflow(v.LookupPath(cue.ParsePath("workflow.digest")))
func CompileWorkflow(v cue.Value) (*Workflow, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema, err := workflowSchema(v.Context())
	if err != nil {
		return nil, err
	}
	u := schema.Unify(v)
	if err := u.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	w := &Workflow{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		w.Name = labels[len(labels)-1].String()
	}

	// Presence is checked on the file's own value: after unification every
	// optional schema field is reachable, declared or not.
	declared := func(path string) bool {
		return v.LookupPath(cue.ParsePath(path)).Exists()
	}

	if declared("description") {
		if w.Description, err = stringAt(u, "description"); err != nil {
			return nil, err
		}
	}
	if declared("max_retries") {
		n, err := intAt(u, "max_retries")
		if err != nil {
			return nil, err
		}
		retries := int(n)
		w.MaxRetries = &retries
	}
	if declared("allowed") {
		w.Allowed, err = parsePrimitives(u.LookupPath(cue.ParsePath("allowed")))
		if err != nil {
			return nil, err
		}
	}
	if declared("spend") {
		if w.SpendCapSoftCents, err = intAt(u, "spend.soft_cents"); err != nil {
			return nil, err
		}
		if w.SpendCapHardCents, err = intAt(u, "spend.hard_cents"); err != nil {
			return nil, err
		}
	}
	if declared("provider") {
		if w.ProviderKind, err = stringAt(u, "provider.kind"); err != nil {
			return nil, err
		}
		if declared("provider.tier") {
			if w.ProviderTier, err = stringAt(u, "provider.tier"); err != nil {
				return nil, err
			}
		}
	}

	w.Plan.Steps, err = parseSteps(u.LookupPath(cue.ParsePath("steps")))
	if err != nil {
		return nil, err
	}
	return w, nil
}

// rawStep mirrors #Step. The schema has already filled defaults and checked
// kinds, so a plain decode is enough.
type rawStep struct {
	ID               string            `json:"id"`
	Primitive        string            `json:"primitive"`
	Risk             string            `json:"risk"`
	RequiresApproval bool              `json:"requires_approval"`
	CostCents        int64             `json:"cost_cents"`
	Input            map[string]string `json:"input"`
}

func parseSteps(v cue.Value) ([]ir.Step, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var steps []ir.Step
	for iter.Next() {
		var raw rawStep
		if err := iter.Value().Decode(&raw); err != nil {
			return nil, formatCUEError(err)
		}
		p, err := ir.ParsePrimitive(raw.Primitive)
		if err != nil {
			return nil, &CompileError{Field: "primitive", Message: err.Error(), Pos: iter.Value().Pos()}
		}
		steps = append(steps, ir.Step{
			ID:               raw.ID,
			Primitive:        p,
			RequiresApproval: raw.RequiresApproval,
			Risk:             ir.RiskTier(raw.Risk),
			CostCents:        raw.CostCents,
			Input:            raw.Input,
		})
	}
	return steps, nil
}

func parsePrimitives(v cue.Value) ([]ir.Primitive, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	out := []ir.Primitive{}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		p, err := ir.ParsePrimitive(s)
		if err != nil {
			return nil, &CompileError{Field: "allowed", Message: err.Error(), Pos: iter.Value().Pos()}
		}
		out = append(out, p)
	}
	return out, nil
}

func stringAt(v cue.Value, path string) (string, error) {
	s, err := v.LookupPath(cue.ParsePath(path)).String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func intAt(v cue.Value, path string) (int64, error) {
	n, err := v.LookupPath(cue.ParsePath(path)).Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return n, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// First error with position info wins.
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
