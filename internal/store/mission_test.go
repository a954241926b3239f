package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/errand/internal/ir"
)

func testMission(id string) ir.Mission {
	return ir.Mission{
		ID:           id,
		RequestKey:   "req-" + id,
		TemplateKind: "web_research",
		Status:       ir.MissionRunning,
		Version:      1,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
}

func TestMission_InsertAndUpdate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Tx) error {
		inserted, err := tx.InsertMission(ctx, testMission("m-1"))
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertMission(ctx, testMission("m-1"))
		require.NoError(t, err)
		assert.False(t, inserted)
		return nil
	})
	require.NoError(t, err)

	m, err := s.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Nil(t, m.Summary)

	m.Status = ir.MissionSucceeded
	m.Summary = &ir.MissionSummary{
		TemplateKind: "web_research",
		Title:        "Research digest",
		Children:     []ir.ChildSummary{{ChildKey: "src_1", Source: "a", RunID: "r1", SpendCents: 3}},
		GeneratedAt:  testNow,
	}
	require.NoError(t, s.InTx(ctx, func(tx *Tx) error { return tx.UpdateMission(ctx, m) }))

	// Stale version.
	assert.ErrorIs(t, s.InTx(ctx, func(tx *Tx) error { return tx.UpdateMission(ctx, m) }), ErrConflict)

	got, err := s.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, ir.MissionSucceeded, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "Research digest", got.Summary.Title)
	assert.Equal(t, int64(2), got.Version)

	running, err := s.ListMissionsByStatus(ctx, ir.MissionRunning, 10)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestMissionChildren_UpsertKeepsExisting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertMission(ctx, testMission("m-1")); err != nil {
			return err
		}
		for i, key := range []string{"src_b", "src_a"} {
			_, inserted, err := tx.UpsertMissionChild(ctx, ir.MissionChild{
				MissionID: "m-1", ChildKey: key, Source: key, RunID: "run-" + key,
				Role: ir.RoleChild, Status: ir.ChildRunning, RunState: ir.RunReady, Position: i,
			})
			require.NoError(t, err)
			assert.True(t, inserted)
		}

		stored, inserted, err := tx.UpsertMissionChild(ctx, ir.MissionChild{
			MissionID: "m-1", ChildKey: "src_b", RunID: "other", Role: ir.RoleChild, Status: ir.ChildRunning,
		})
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "run-src_b", stored.RunID)
		return nil
	})
	require.NoError(t, err)

	children, err := s.ListMissionChildren(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "src_b", children[0].ChildKey, "children keep draft order")

	c := children[1]
	c.Status = ir.ChildDone
	c.RunState = ir.RunSucceeded
	require.NoError(t, s.InTx(ctx, func(tx *Tx) error { return tx.UpdateMissionChild(ctx, c) }))

	children, err = s.ListMissionChildren(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ChildDone, children[1].Status)
	assert.True(t, children[1].IsTerminal())

	missing := c
	missing.ChildKey = "nope"
	assert.ErrorIs(t, s.InTx(ctx, func(tx *Tx) error { return tx.UpdateMissionChild(ctx, missing) }), ErrNotFound)
}

func TestMissionEvents_AppendOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertMission(ctx, testMission("m-1")); err != nil {
			return err
		}
		for _, kind := range []string{ir.MissionEventCreated, ir.MissionEventChildStarted, ir.MissionEventSucceeded} {
			if err := tx.AppendMissionEvent(ctx, ir.MissionEvent{MissionID: "m-1", Kind: kind, CreatedAt: testNow}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	events, err := s.ListMissionEvents(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ir.MissionEventCreated, events[0].Kind)
	assert.Equal(t, ir.MissionEventSucceeded, events[2].Kind)
}
