package mission

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/errand/internal/ir"
)

// Template kinds.
const (
	TemplateInboxDigest = "inbox_digest"
	TemplateWebResearch = "web_research"
	TemplateOutreach    = "outreach"
)

// aggregatorKey is the child key of the aggregation slot. Source child keys
// are hex digests, so it cannot collide with one.
const aggregatorKey = "aggregator"

// ChildSpec describes one fan-out child before it has a run.
type ChildSpec struct {
	ChildKey string
	Source   string
	Plan     ir.Plan
	Allowed  []ir.Primitive
	Position int
}

// AggregatorSpec describes the join step that runs once every child has
// succeeded.
type AggregatorSpec struct {
	ChildKey string
	Title    string
	Position int
}

// Draft is a mission that has been planned but not persisted.
type Draft struct {
	RequestKey        string
	TemplateKind      string
	Provider          string
	MaxRetries        int
	SpendCapSoftCents int64
	SpendCapHardCents int64
	Children          []ChildSpec
	Aggregator        AggregatorSpec
}

// DraftOptions carries the optional parts of a draft.
type DraftOptions struct {
	// RequestKey makes Start idempotent across calls. Empty means every
	// Start creates a new mission.
	RequestKey string

	// Allowed is the configured capability allowlist. Each child runs with
	// the part of it that its own steps use; a step outside it blocks the
	// child. Nil allows nothing.
	Allowed []ir.Primitive

	Provider          string
	MaxRetries        int
	SpendCapSoftCents int64
	SpendCapHardCents int64
}

// ErrNoSources is returned when a draft would have no children.
var ErrNoSources = errors.New("mission needs at least one source")

// DraftError rejects a draft before anything is written.
type DraftError struct {
	Source  string
	Message string
}

// Error implements the error interface.
func (e *DraftError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("invalid mission: source %q: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("invalid mission: %s", e.Message)
}

type template struct {
	title string
	steps func(source string) []ir.Step
}

var templates = map[string]template{
	TemplateInboxDigest: {
		title: "Inbox digest",
		steps: func(source string) []ir.Step {
			return []ir.Step{
				{ID: "read", Primitive: ir.PrimitiveEmailRead, Risk: ir.RiskLow, Input: map[string]string{"mailbox": source}},
				{ID: "summarize", Primitive: ir.PrimitiveLLMSummarize, Risk: ir.RiskLow, CostCents: 2, Input: map[string]string{"from_step": "read"}},
			}
		},
	},
	TemplateWebResearch: {
		title: "Web research",
		steps: func(source string) []ir.Step {
			return []ir.Step{
				{ID: "fetch", Primitive: ir.PrimitiveWebFetch, Risk: ir.RiskLow, Input: map[string]string{"url": source}},
				{ID: "summarize", Primitive: ir.PrimitiveLLMSummarize, Risk: ir.RiskLow, CostCents: 2, Input: map[string]string{"from_step": "fetch"}},
			}
		},
	},
	TemplateOutreach: {
		title: "Outreach",
		steps: func(source string) []ir.Step {
			return []ir.Step{
				{ID: "draft", Primitive: ir.PrimitiveLLMDraft, Risk: ir.RiskMedium, CostCents: 3, Input: map[string]string{"recipient": source}},
				{ID: "send", Primitive: ir.PrimitiveEmailSend, Risk: ir.RiskHigh, RequiresApproval: true, Input: map[string]string{"to": source, "from_step": "draft"}},
			}
		},
	},
}

// Templates returns the known template kinds, sorted.
func Templates() []string {
	kinds := make([]string, 0, len(templates))
	for k := range templates {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// CreateDraft plans a mission: one child per source, built from the
// template, plus the aggregation slot. It reads and writes nothing.
//
// Sources are normalized before keying, so two spellings of the same source
// are rejected as duplicates.
func CreateDraft(templateKind string, sources []string, opts DraftOptions) (Draft, error) {
	tpl, ok := templates[templateKind]
	if !ok {
		return Draft{}, &DraftError{Message: fmt.Sprintf("unknown template %q", templateKind)}
	}
	if len(sources) == 0 {
		return Draft{}, ErrNoSources
	}
	if opts.MaxRetries < 0 {
		return Draft{}, &DraftError{Message: "max_retries must be >= 0"}
	}

	d := Draft{
		RequestKey:        opts.RequestKey,
		TemplateKind:      templateKind,
		Provider:          opts.Provider,
		MaxRetries:        opts.MaxRetries,
		SpendCapSoftCents: opts.SpendCapSoftCents,
		SpendCapHardCents: opts.SpendCapHardCents,
		Children:          make([]ChildSpec, 0, len(sources)),
	}

	seen := make(map[string]bool, len(sources))
	for i, raw := range sources {
		source := ir.NormalizeSource(raw)
		if source == "" {
			return Draft{}, &DraftError{Message: fmt.Sprintf("source %d is empty", i)}
		}
		key := ir.ChildKey(source)
		if seen[key] {
			return Draft{}, &DraftError{Source: source, Message: "duplicate source"}
		}
		seen[key] = true

		steps := tpl.steps(source)
		d.Children = append(d.Children, ChildSpec{
			ChildKey: key,
			Source:   source,
			Plan:     ir.Plan{Steps: steps},
			Allowed:  primitivesOf(steps, opts.Allowed),
			Position: i,
		})
	}

	d.Aggregator = AggregatorSpec{
		ChildKey: aggregatorKey,
		Title:    titleFor(templateKind, len(d.Children)),
		Position: len(d.Children),
	}
	return d, nil
}

func titleFor(templateKind string, n int) string {
	title := templateKind
	if tpl, ok := templates[templateKind]; ok {
		title = tpl.title
	}
	if n == 1 {
		return fmt.Sprintf("%s of 1 source", title)
	}
	return fmt.Sprintf("%s of %d sources", title, n)
}

// primitivesOf is the allowlist a template child runs with: the primitives
// its own steps use that allowed also grants.
func primitivesOf(steps []ir.Step, allowed []ir.Primitive) []ir.Primitive {
	granted := make(map[ir.Primitive]bool, len(allowed))
	for _, p := range allowed {
		granted[p] = true
	}
	var out []ir.Primitive
	seen := make(map[ir.Primitive]bool)
	for _, s := range steps {
		if granted[s.Primitive] && !seen[s.Primitive] {
			seen[s.Primitive] = true
			out = append(out, s.Primitive)
		}
	}
	return out
}
