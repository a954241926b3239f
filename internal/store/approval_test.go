package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/errand/internal/ir"
)

func pendingApproval(id string, kind ir.ApprovalKind) ir.Approval {
	return ir.Approval{
		ID:       id,
		RunID:    "run-1",
		StepID:   "fetch",
		ActionID: ir.ActionID("run-1", "fetch"),
		Kind:     kind,
		Payload: ir.ApprovalPayload{
			Primitive: ir.PrimitiveWebFetch,
			Risk:      ir.RiskHigh,
			Input:     map[string]string{"url": "https://example.com"},
		},
		Status:    ir.ApprovalPending,
		CreatedAt: testNow,
	}
}

func TestApproval_OnePendingPerStepAndKind(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	err := s.InTx(ctx, func(tx *Tx) error {
		inserted, err := tx.InsertApproval(ctx, pendingApproval("ap-1", ir.ApprovalStep))
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertApproval(ctx, pendingApproval("ap-2", ir.ApprovalStep))
		require.NoError(t, err)
		assert.False(t, inserted)

		// A different kind on the same step is its own gate.
		inserted, err = tx.InsertApproval(ctx, pendingApproval("ap-3", ir.ApprovalSpend))
		require.NoError(t, err)
		assert.True(t, inserted)
		return nil
	})
	require.NoError(t, err)

	pending, err := s.ListPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	got, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, ir.RiskHigh, got.Payload.Risk)
	assert.Equal(t, "https://example.com", got.Payload.Input["url"])
}

func TestResolveApproval_OnlyFromPending(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertApproval(ctx, pendingApproval("ap-1", ir.ApprovalStep)); err != nil {
			return err
		}
		require.NoError(t, tx.ResolveApproval(ctx, "ap-1", ir.ApprovalApproved, testNow))
		assert.ErrorIs(t, tx.ResolveApproval(ctx, "ap-1", ir.ApprovalRejected, testNow), ErrConflict)

		has, err := tx.HasApproval(ctx, "run-1", "fetch", ir.ApprovalStep, ir.ApprovalApproved)
		require.NoError(t, err)
		assert.True(t, has)

		has, err = tx.HasApproval(ctx, "run-1", "fetch", ir.ApprovalSpend, ir.ApprovalApproved)
		require.NoError(t, err)
		assert.False(t, has)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ApprovalApproved, got.Status)
	require.NotNil(t, got.ResolvedAt)

	_, err = s.GetApproval(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClarification_AnswerFlow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	err := s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertClarification(ctx, ir.Clarification{
			ID: "cl-1", RunID: "run-1", StepID: "fetch", FieldKey: "url",
			Question: "Which page?", Status: ir.ClarificationPending, CreatedAt: testNow,
		})
		return err
	})
	require.NoError(t, err)

	pending, err := s.ListPendingClarifications(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Which page?", pending[0].Question)

	err = s.InTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.AnswerClarification(ctx, "cl-1", "https://example.com", testNow))
		assert.ErrorIs(t, tx.AnswerClarification(ctx, "cl-1", "again", testNow), ErrConflict)
		return nil
	})
	require.NoError(t, err)

	answers, err := s.ClarificationAnswers(ctx, "run-1", "fetch")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"url": "https://example.com"}, answers)

	pending, err = s.ListPendingClarifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancelOpenPauses(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertApproval(ctx, pendingApproval("ap-1", ir.ApprovalStep)); err != nil {
			return err
		}
		if _, err := tx.InsertClarification(ctx, ir.Clarification{
			ID: "cl-1", RunID: "run-1", StepID: "fetch", FieldKey: "url",
			Question: "Which page?", Status: ir.ClarificationPending, CreatedAt: testNow,
		}); err != nil {
			return err
		}
		n, err := tx.CancelOpenPauses(ctx, "run-1", testNow)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		return nil
	})
	require.NoError(t, err)

	a, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ApprovalCanceled, a.Status)

	c, err := s.GetClarification(ctx, "cl-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ClarificationCanceled, c.Status)
}
