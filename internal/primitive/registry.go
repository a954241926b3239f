package primitive

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/errand/internal/ir"
)

// Registry dispatches a step to the executor for its primitive kind.
type Registry struct {
	executors map[ir.Primitive]Executor
}

// NewRegistry builds a registry. Every kind in ir.AllPrimitives must have an
// executor and no unknown kinds are accepted.
func NewRegistry(executors map[ir.Primitive]Executor) (*Registry, error) {
	var missing []string
	for _, p := range ir.AllPrimitives {
		if executors[p] == nil {
			missing = append(missing, string(p))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no executor registered for: %s", strings.Join(missing, ", "))
	}

	reg := &Registry{executors: make(map[ir.Primitive]Executor, len(executors))}
	for p, ex := range executors {
		if !p.Valid() {
			return nil, fmt.Errorf("executor registered for unknown primitive %q", p)
		}
		reg.executors[p] = ex
	}
	return reg, nil
}

// MustRegistry is like NewRegistry but panics on error.
// Use only in tests or when the executor map is static.
func MustRegistry(executors map[ir.Primitive]Executor) *Registry {
	reg, err := NewRegistry(executors)
	if err != nil {
		panic(err)
	}
	return reg
}

// Execute runs the step through the executor for sc.Primitive.
func (r *Registry) Execute(ctx context.Context, sc StepContext) (Output, error) {
	ex, ok := r.executors[sc.Primitive]
	if !ok {
		return nil, Permanent(fmt.Sprintf("%s is not available", sc.Primitive))
	}
	return ex.Execute(ctx, sc)
}

// DryRun returns a registry whose executors perform no side effects. Each
// returns a synthetic output describing what it would have done. It backs the
// CLI when no real providers are wired in.
func DryRun() *Registry {
	return MustRegistry(map[ir.Primitive]Executor{
		ir.PrimitiveWebFetch: ExecutorFunc(func(_ context.Context, sc StepContext) (Output, error) {
			url, ok := sc.Value("url")
			if !ok {
				return nil, MissingField("url", "Which page should be fetched?")
			}
			return Output{"url": url, "content": "dry-run content of " + url}, nil
		}),
		ir.PrimitiveEmailRead: ExecutorFunc(func(_ context.Context, sc StepContext) (Output, error) {
			mailbox, ok := sc.Value("mailbox")
			if !ok {
				return nil, MissingField("mailbox", "Which mailbox should be read?")
			}
			return Output{"mailbox": mailbox, "content": "dry-run messages from " + mailbox}, nil
		}),
		ir.PrimitiveLLMSummarize: ExecutorFunc(func(_ context.Context, sc StepContext) (Output, error) {
			return Output{"summary": "dry-run summary of " + priorContent(sc)}, nil
		}),
		ir.PrimitiveLLMDraft: ExecutorFunc(func(_ context.Context, sc StepContext) (Output, error) {
			to, ok := sc.Value("to")
			if !ok {
				return nil, MissingField("to", "Who should the message be addressed to?")
			}
			return Output{"to": to, "draft": "dry-run draft for " + to}, nil
		}),
		ir.PrimitiveEmailSend: ExecutorFunc(func(_ context.Context, sc StepContext) (Output, error) {
			to, ok := sc.Value("to")
			if !ok {
				for _, id := range priorSteps(sc) {
					if v := sc.Prior[id]["to"]; v != "" {
						to, ok = v, true
						break
					}
				}
			}
			if !ok {
				return nil, MissingField("to", "Who should the message be sent to?")
			}
			return Output{"to": to, "message_id": "dry-run-" + shortKey(sc.IdempotencyKey)}, nil
		}),
	})
}

// priorSteps returns the ids of earlier steps with output, sorted.
func priorSteps(sc StepContext) []string {
	steps := make([]string, 0, len(sc.Prior))
	for id := range sc.Prior {
		steps = append(steps, id)
	}
	sort.Strings(steps)
	return steps
}

// priorContent picks the content produced by earlier steps, if any.
func priorContent(sc StepContext) string {
	var parts []string
	for _, id := range priorSteps(sc) {
		if c := sc.Prior[id]["content"]; c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return "no content"
	}
	return strings.Join(parts, "; ")
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
