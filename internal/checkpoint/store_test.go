package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/reflection"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewStore(t.TempDir(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return s
}

func request(reason Reason) SnapshotRequest {
	return SnapshotRequest{
		PhaseID:          "P2",
		ItemIDs:          []string{"a", "b", "c", "d"},
		CompletedItemIDs: []string{"a"},
		InProgressItem:   "b",
		RemainingItemIDs: []string{"c", "d"},
		BudgetCounters:   budget.Counters{DirectOperations: 16, Delegations: 3},
		Zone:             budget.Red,
		Reason:           reason,
		RunID:            "run-1",
		PlanID:           "plan",
		PlanPath:         "/tmp/plan.yaml",
		CompletedPhases:  []string{"P1"},
		Reflections:      []reflection.Record{{ItemID: "a", WorkerID: "w1", Outcome: "success"}},
	}
}

func TestID(t *testing.T) {
	assert.Equal(t, "P2a_CHECKPOINT_3", ID("P2a", 3))

	phase, seq, err := ParseID("my_phase_CHECKPOINT_12.json")
	require.NoError(t, err)
	assert.Equal(t, "my_phase", phase)
	assert.Equal(t, 12, seq)

	for _, bad := range []string{"P2", "_CHECKPOINT_1", "P2_CHECKPOINT_x", "P2_CHECKPOINT_0"} {
		_, _, err := ParseID(bad)
		assert.ErrorIs(t, err, ErrInvalidID, bad)
	}
}

func TestValidatePartition(t *testing.T) {
	items := []string{"a", "b", "c"}

	assert.NoError(t, ValidatePartition(items, []string{"a"}, "b", []string{"c"}))
	assert.NoError(t, ValidatePartition(items, nil, "", []string{"a", "b", "c"}))
	assert.ErrorIs(t, ValidatePartition(items, []string{"a"}, "a", []string{"b", "c"}), ErrInvalidPartition)
	assert.ErrorIs(t, ValidatePartition(items, []string{"a"}, "", []string{"b"}), ErrInvalidPartition)
	assert.ErrorIs(t, ValidatePartition(items, []string{"a", "z"}, "", []string{"b", "c"}), ErrInvalidPartition)
}

func TestStore_SnapshotSequencesAndFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp1, err := s.Snapshot(ctx, request(ReasonRed))
	require.NoError(t, err)
	assert.Equal(t, "P2_CHECKPOINT_1", cp1.ID)
	assert.Equal(t, 1, cp1.Sequence)

	cp2, err := s.Snapshot(ctx, request(ReasonManual))
	require.NoError(t, err)
	assert.Equal(t, 2, cp2.Sequence)

	assert.FileExists(t, filepath.Join(s.Dir(), "P2_CHECKPOINT_2.json"))
	assert.FileExists(t, filepath.Join(s.Dir(), "P2_CHECKPOINT_2.md"))

	// No temp files are left behind.
	tmp, err := filepath.Glob(filepath.Join(s.Dir(), ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, tmp)

	got, err := s.Get(cp2.ID)
	require.NoError(t, err)
	assert.Equal(t, cp2.CompletedItemIDs, got.CompletedItemIDs)
	assert.Equal(t, "b", got.InProgressItem)
	assert.Equal(t, int64(16), got.BudgetCounters.DirectOperations)
	assert.Equal(t, budget.Red, got.Zone)
	assert.Equal(t, "2026-03-01T12:00:00Z", got.Timestamp.Format(time.RFC3339))
}

func TestStore_SnapshotRejectsBadPartition(t *testing.T) {
	s := newTestStore(t)
	req := request(ReasonRed)
	req.RemainingItemIDs = []string{"c"}

	_, err := s.Snapshot(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidPartition)

	entries, err := s.List(ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_RestoreConsumesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp, err := s.Snapshot(ctx, request(ReasonRed))
	require.NoError(t, err)

	restored, err := s.Restore(ctx, cp.ID, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, restored.RemainingItemIDs)
	assert.Equal(t, []string{"P1"}, restored.CompletedPhases)
	require.Len(t, restored.Reflections, 1)

	assert.NoFileExists(t, filepath.Join(s.Dir(), cp.ID+".json"))
	assert.FileExists(t, filepath.Join(s.Dir(), "archive", cp.ID+".json"))
	assert.FileExists(t, filepath.Join(s.Dir(), "archive", cp.ID+".md"))

	_, err = s.Restore(ctx, cp.ID, RestoreOptions{})
	assert.ErrorIs(t, err, ErrConsumed)

	// The next snapshot continues the sequence past archived checkpoints.
	next, err := s.Snapshot(ctx, request(ReasonRed))
	require.NoError(t, err)
	assert.Equal(t, 2, next.Sequence)
}

func TestStore_SnapshotKeepsItemCriteria(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := request(ReasonRed)
	req.ItemCriteria = map[string]map[string]bool{"a": {"testsPass": true}}
	cp, err := s.Snapshot(ctx, req)
	require.NoError(t, err)

	restored, err := s.Restore(ctx, cp.ID, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"testsPass": true}, restored.ItemCriteria["a"])
}

func TestStore_Supersede(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, phase := range []string{"P2", "P2", "P1"} {
		req := request(ReasonProactive)
		req.PhaseID = phase
		_, err := s.Snapshot(ctx, req)
		require.NoError(t, err)
	}

	ids, err := s.Supersede(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, []string{"P2_CHECKPOINT_1", "P2_CHECKPOINT_2"}, ids)
	assert.FileExists(t, filepath.Join(s.Dir(), "archive", "P2_CHECKPOINT_2.md"))

	active, err := s.List(ListOptions{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "P1_CHECKPOINT_1", active[0].ID)

	_, err = s.Restore(ctx, "P2_CHECKPOINT_2", RestoreOptions{})
	assert.ErrorIs(t, err, ErrConsumed)

	ids, err = s.Supersede(ctx, "P2")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.Supersede(ctx, "../P2")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestStore_SaveSynthesis(t *testing.T) {
	s := newTestStore(t)
	syn := reflection.NewSynthesizer().Synthesize("P1", []reflection.Record{
		{PhaseID: "P1", ItemID: "a", WorkerID: "w1", Outcome: "success", Recommendations: []string{"Keep work items small"}},
	})

	path, err := s.SaveSynthesis("plan", syn)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "synthesis", "plan_P1.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"phaseId": "P1"`)

	md, err := os.ReadFile(filepath.Join(s.Dir(), "synthesis", "plan_P1.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "## Reflections: P1")
	assert.Contains(t, string(md), "Keep work items small (a@w1)")

	_, err = s.SaveSynthesis("../plan", syn)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestStore_RestoreStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.Snapshot(ctx, request(ReasonRed))
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, request(ReasonRed))
	require.NoError(t, err)

	_, err = s.Restore(ctx, old.ID, RestoreOptions{})
	var stale *StaleCheckpointError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, 2, stale.Latest)
	assert.FileExists(t, filepath.Join(s.Dir(), old.ID+".json"), "rejected restore leaves the file")
}

func TestStore_RestoreCancelledNeedsForce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp, err := s.Snapshot(ctx, request(ReasonCancelled))
	require.NoError(t, err)
	assert.True(t, cp.Cancelled)

	_, err = s.Restore(ctx, cp.ID, RestoreOptions{})
	assert.ErrorIs(t, err, ErrCancelled)

	restored, err := s.Restore(ctx, cp.ID, RestoreOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, restored.Cancelled)
}

func TestStore_RestoreCorrupt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(s.Dir(), "P9_CHECKPOINT_1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id": "P9_CHECKPOINT_1", "phaseId": `), 0o600))

	_, err := s.Restore(ctx, "P9_CHECKPOINT_1", RestoreOptions{})
	var corrupt *CorruptCheckpointError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "P9_CHECKPOINT_1", corrupt.ID)

	dup := `{"id":"P9_CHECKPOINT_1","phaseId":"P9","sequence":1,"completedItemIds":["a"],"remainingItemIds":["a"]}`
	require.NoError(t, os.WriteFile(path, []byte(dup), 0o600))
	_, err = s.Restore(ctx, "P9_CHECKPOINT_1", RestoreOptions{})
	require.ErrorAs(t, err, &corrupt)
	assert.ErrorIs(t, err, ErrInvalidPartition)
	assert.FileExists(t, path)
}

func TestStore_RestoreNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Restore(context.Background(), "P1_CHECKPOINT_4", RestoreOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Restore(context.Background(), "garbage", RestoreOptions{})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, phase := range []string{"P2", "P1", "P2"} {
		req := request(ReasonManual)
		req.PhaseID = phase
		_, err := s.Snapshot(ctx, req)
		require.NoError(t, err)
	}
	_, err := s.Restore(ctx, "P2_CHECKPOINT_2", RestoreOptions{})
	require.NoError(t, err)

	active, err := s.List(ListOptions{})
	require.NoError(t, err)
	var ids []string
	for _, e := range active {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"P1_CHECKPOINT_1", "P2_CHECKPOINT_1"}, ids)

	all, err := s.List(ListOptions{PhaseID: "P2", IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[1].Archived)

	latest, err := s.LatestSequence("P2")
	require.NoError(t, err)
	assert.Equal(t, 2, latest)
}

func TestRenderMarkdown(t *testing.T) {
	s := newTestStore(t)
	cp, err := s.Snapshot(context.Background(), request(ReasonRed))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.Dir(), cp.ID+".md"))
	require.NoError(t, err)
	md := string(data)

	for _, section := range []string{"**Timestamp:**", "**Reason:** red", "## Budget Status", "## Completed Work",
		"## In Progress", "## Remaining Work", "## Resume Instructions"} {
		assert.Contains(t, md, section)
	}
	assert.Contains(t, md, "- Direct operations: 16")
	assert.Contains(t, md, "phasegate resume P2_CHECKPOINT_1\n")

	cancelled := *cp
	cancelled.Cancelled = true
	assert.Contains(t, RenderMarkdown(&cancelled), "--force")
}

func TestStore_RunState(t *testing.T) {
	s := newTestStore(t)

	st := &RunState{
		RunID:  "run-1",
		PlanID: "plan",
		Status: RunRunning,
		Phases: []PhaseSummary{{ID: "P1", Status: "active", Items: 3}},
		Zone:   budget.Yellow,
	}
	require.NoError(t, s.SaveState(st))

	got, err := s.LoadState("plan")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)
	assert.Equal(t, budget.Yellow, got.Zone)
	assert.Equal(t, 3, got.Phases[0].Items)
	assert.False(t, got.UpdatedAt.IsZero())

	assert.ErrorIs(t, s.SaveState(&RunState{PlanID: "../escape"}), ErrInvalidID)

	_, err = s.LoadState("missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
