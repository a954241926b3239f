package primitive

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/errand/internal/ir"
)

func TestClassify(t *testing.T) {
	retryable, reason := Classify(Retryable("the provider is busy"))
	assert.True(t, retryable)
	assert.Equal(t, "the provider is busy", reason)

	retryable, reason = Classify(Permanent("the address is invalid"))
	assert.False(t, retryable)
	assert.Equal(t, "the address is invalid", reason)
}

func TestClassify_Wrapped(t *testing.T) {
	err := errors.Join(errors.New("context"), Retryable("timeout"))
	retryable, _ := Classify(err)
	assert.True(t, retryable)
}

func TestClassify_UnclassifiedIsPermanent(t *testing.T) {
	// The engine must not guess from text, so a transient-sounding plain
	// error is still permanent.
	retryable, reason := Classify(errors.New("connection reset, please retry"))
	assert.False(t, retryable)
	assert.Equal(t, unclassifiedReason, reason)
}

func TestAsMissingField(t *testing.T) {
	mf, ok := AsMissingField(MissingField("to", "Who?"))
	require.True(t, ok)
	assert.Equal(t, "to", mf.FieldKey)
	assert.Equal(t, "Who?", mf.Question)

	_, ok = AsMissingField(Permanent("nope"))
	assert.False(t, ok)
}

func TestStepContextValue_AnswerWins(t *testing.T) {
	sc := StepContext{
		Input:   map[string]string{"to": "old@example.com", "subject": "hi"},
		Answers: map[string]string{"to": "new@example.com"},
	}

	v, ok := sc.Value("to")
	assert.True(t, ok)
	assert.Equal(t, "new@example.com", v)

	v, ok = sc.Value("subject")
	assert.True(t, ok)
	assert.Equal(t, "hi", v)

	_, ok = sc.Value("cc")
	assert.False(t, ok)
}

func TestNewRegistry_RequiresEveryKind(t *testing.T) {
	noop := ExecutorFunc(func(context.Context, StepContext) (Output, error) { return Output{}, nil })

	_, err := NewRegistry(map[ir.Primitive]Executor{ir.PrimitiveWebFetch: noop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email_send")
}

func TestNewRegistry_RejectsUnknownKind(t *testing.T) {
	noop := ExecutorFunc(func(context.Context, StepContext) (Output, error) { return Output{}, nil })
	executors := map[ir.Primitive]Executor{}
	for _, p := range ir.AllPrimitives {
		executors[p] = noop
	}
	executors["shell_exec"] = noop

	_, err := NewRegistry(executors)
	assert.Error(t, err)
}

func TestRegistry_Dispatch(t *testing.T) {
	var called ir.Primitive
	executors := map[ir.Primitive]Executor{}
	for _, p := range ir.AllPrimitives {
		p := p
		executors[p] = ExecutorFunc(func(context.Context, StepContext) (Output, error) {
			called = p
			return Output{"kind": string(p)}, nil
		})
	}
	reg := MustRegistry(executors)

	out, err := reg.Execute(context.Background(), StepContext{Primitive: ir.PrimitiveLLMDraft})
	require.NoError(t, err)
	assert.Equal(t, ir.PrimitiveLLMDraft, called)
	assert.Equal(t, "llm_draft", out["kind"])
}

func TestDryRun_WebFetchNeedsURL(t *testing.T) {
	reg := DryRun()

	_, err := reg.Execute(context.Background(), StepContext{Primitive: ir.PrimitiveWebFetch})
	mf, ok := AsMissingField(err)
	require.True(t, ok)
	assert.Equal(t, "url", mf.FieldKey)

	out, err := reg.Execute(context.Background(), StepContext{
		Primitive: ir.PrimitiveWebFetch,
		Answers:   map[string]string{"url": "https://example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", out["url"])
}

func TestDryRun_SendUsesDraftRecipient(t *testing.T) {
	out, err := DryRun().Execute(context.Background(), StepContext{
		Primitive:      ir.PrimitiveEmailSend,
		Prior:          map[string]Output{"draft": {"to": "alice@example.com"}},
		IdempotencyKey: "0123456789abcdef",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", out["to"])
	assert.Equal(t, "dry-run-0123456789ab", out["message_id"])
}

// TestDryRun_SendPicksFirstRecipientByStep checks the recipient does not
// depend on map order when several earlier steps name one.
func TestDryRun_SendPicksFirstRecipientByStep(t *testing.T) {
	sc := StepContext{
		Primitive: ir.PrimitiveEmailSend,
		Prior: map[string]Output{
			"c": {"to": "carol@example.com"},
			"a": {"content": "no recipient here"},
			"b": {"to": "bob@example.com"},
			"d": {"to": "dave@example.com"},
		},
	}
	for i := 0; i < 20; i++ {
		out, err := DryRun().Execute(context.Background(), sc)
		require.NoError(t, err)
		assert.Equal(t, "bob@example.com", out["to"])
	}
}

func TestDryRun_SummarizeOrdersPriorContent(t *testing.T) {
	out, err := DryRun().Execute(context.Background(), StepContext{
		Primitive: ir.PrimitiveLLMSummarize,
		Prior: map[string]Output{
			"b": {"content": "second"},
			"a": {"content": "first"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "dry-run summary of first; second", out["summary"])
}
