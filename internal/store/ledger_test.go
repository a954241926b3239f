package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/errand/internal/ir"
)

func TestRecordExecution_SameKeyReturnsStored(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	action := ir.Action{
		ID: ir.ActionID("run-1", "fetch"), RunID: "run-1", StepID: "fetch",
		Primitive: ir.PrimitiveWebFetch, Input: map[string]string{"url": "https://example.com"},
		CreatedAt: testNow,
	}
	first := ir.ActionExecution{
		IdempotencyKey: ir.ExecutionKey(action.ID, 0),
		ActionID:       action.ID,
		Status:         ir.ExecutionSucceeded,
		Output:         map[string]string{"content": "first"},
		CreatedAt:      testNow,
	}

	err := s.InTx(ctx, func(tx *Tx) error {
		stored, inserted, err := tx.RecordExecution(ctx, action, first)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, "first", stored.Output["content"])
		return nil
	})
	require.NoError(t, err)

	second := first
	second.Output = map[string]string{"content": "second"}
	err = s.InTx(ctx, func(tx *Tx) error {
		stored, inserted, err := tx.RecordExecution(ctx, action, second)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "first", stored.Output["content"])
		return nil
	})
	require.NoError(t, err)

	n, err := s.CountExecutions(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	outputs, err := s.StepOutputs(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]string{"fetch": {"content": "first"}}, outputs)
}

func TestRecordExecution_FailedAttemptKeepsClassification(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	action := ir.Action{ID: ir.ActionID("run-1", "fetch"), RunID: "run-1", StepID: "fetch", Primitive: ir.PrimitiveWebFetch, CreatedAt: testNow}
	exec := ir.ActionExecution{
		IdempotencyKey: ir.ExecutionKey(action.ID, 0),
		ActionID:       action.ID,
		Status:         ir.ExecutionFailed,
		Retryable:      true,
		Reason:         "the site timed out",
		CreatedAt:      testNow,
	}
	err := s.InTx(ctx, func(tx *Tx) error {
		_, _, err := tx.RecordExecution(ctx, action, exec)
		return err
	})
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, exec.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, got.Retryable)
	assert.Equal(t, "the site timed out", got.Reason)

	// Failed attempts contribute no output.
	outputs, err := s.StepOutputs(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, outputs)

	_, err = s.GetExecution(ctx, ir.ExecutionKey(action.ID, 1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertSpendEntry_OncePerKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	entry := ir.SpendEntry{
		RunID: "run-1", StepID: "fetch", Cents: 5,
		IdempotencyKey: ir.SpendKey("run-1", "fetch"), CreatedAt: testNow,
	}
	for i, want := range []bool{true, false} {
		err := s.InTx(ctx, func(tx *Tx) error {
			inserted, err := tx.InsertSpendEntry(ctx, entry)
			require.NoError(t, err)
			assert.Equal(t, want, inserted, "attempt %d", i)

			has, err := tx.HasSpendEntry(ctx, entry.IdempotencyKey)
			require.NoError(t, err)
			assert.True(t, has)
			return nil
		})
		require.NoError(t, err)
	}

	entries, err := s.ListSpendEntries(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].Cents)
}

func TestReceipt_OnePerRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	_, err := s.GetReceipt(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.InTx(ctx, func(tx *Tx) error {
		if err := tx.InsertReceipt(ctx, ir.Receipt{RunID: "run-1", FinalState: ir.RunSucceeded, Summary: "done", SpendCents: 15, StepsCompleted: 2, CreatedAt: testNow}); err != nil {
			return err
		}
		return tx.InsertReceipt(ctx, ir.Receipt{RunID: "run-1", FinalState: ir.RunFailed, Summary: "late", CreatedAt: testNow})
	})
	require.NoError(t, err)

	r, err := s.GetReceipt(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, ir.RunSucceeded, r.FinalState)
	assert.Equal(t, int64(15), r.SpendCents)
	assert.Equal(t, 2, r.StepsCompleted)
}

func TestReserveExecution_OneHolder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	action := ir.Action{ID: ir.ActionID("run-1", "fetch"), RunID: "run-1", StepID: "fetch", Primitive: ir.PrimitiveWebFetch, CreatedAt: testNow}
	key := ir.ExecutionKey(action.ID, 0)
	later := testNow.Add(time.Minute)

	err := s.InTx(ctx, func(tx *Tx) error {
		_, reserved, err := tx.ReserveExecution(ctx, action, key, 0, testNow)
		require.NoError(t, err)
		assert.True(t, reserved)

		stored, reserved, err := tx.ReserveExecution(ctx, action, key, 0, later)
		require.NoError(t, err)
		assert.False(t, reserved)
		assert.Equal(t, ir.ExecutionInFlight, stored.Status)
		assert.True(t, testNow.Equal(stored.CreatedAt))

		took, err := tx.TakeOverExecution(ctx, key, later, later)
		require.NoError(t, err)
		assert.False(t, took, "only the reservation that was read can be taken over")
		took, err = tx.TakeOverExecution(ctx, key, testNow, later)
		require.NoError(t, err)
		assert.True(t, took)
		return nil
	})
	require.NoError(t, err)

	// In-flight rows contribute no output.
	outputs, err := s.StepOutputs(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, outputs)

	err = s.InTx(ctx, func(tx *Tx) error {
		_, inserted, err := tx.RecordExecution(ctx, action, ir.ActionExecution{
			IdempotencyKey: key,
			ActionID:       action.ID,
			Status:         ir.ExecutionSucceeded,
			Output:         map[string]string{"content": "page"},
			CreatedAt:      later,
		})
		require.NoError(t, err)
		assert.True(t, inserted, "the reservation is finished in place")

		require.NoError(t, tx.ReleaseExecution(ctx, key))
		stored, reserved, err := tx.ReserveExecution(ctx, action, key, 0, later)
		require.NoError(t, err)
		assert.False(t, reserved)
		assert.Equal(t, ir.ExecutionSucceeded, stored.Status)
		return nil
	})
	require.NoError(t, err)

	n, err := s.CountExecutions(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReleaseExecution_DropsReservation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertRun(t, s, testRun("run-1", "key-1"))

	action := ir.Action{ID: ir.ActionID("run-1", "fetch"), RunID: "run-1", StepID: "fetch", Primitive: ir.PrimitiveWebFetch, CreatedAt: testNow}
	key := ir.ExecutionKey(action.ID, 0)
	err := s.InTx(ctx, func(tx *Tx) error {
		if _, _, err := tx.ReserveExecution(ctx, action, key, 0, testNow); err != nil {
			return err
		}
		return tx.ReleaseExecution(ctx, key)
	})
	require.NoError(t, err)

	_, err = s.GetExecution(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}
