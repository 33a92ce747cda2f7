package monitor

import (
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
)

func sampleState() *checkpoint.RunState {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return &checkpoint.RunState{
		RunID:       "run-1",
		PlanID:      "demo",
		Status:      checkpoint.RunRunning,
		ActivePhase: "B",
		Phases: []checkpoint.PhaseSummary{
			{ID: "A", Status: "complete", Items: 2, CompletedItems: 2},
			{ID: "B", Status: "active", DependsOn: []string{"A"}, Items: 7, CompletedItems: 3},
		},
		BudgetCounters:   budget.Counters{DirectOperations: 12, Delegations: 3},
		Zone:             budget.Yellow,
		LatestCheckpoint: "B_CHECKPOINT_1",
		Message:          "proactive checkpoint",
		StartedAt:        start,
		UpdatedAt:        start.Add(2*time.Minute + 5*time.Second),
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(FileSource{Path: "state.json"}, 5*time.Second)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.Equal(t, budget.DefaultThresholds(), model.thresholds)
	assert.False(t, model.quitting)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := NewModel(FileSource{Path: "state.json"}, time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RefreshAndTick(t *testing.T) {
	model := NewModel(FileSource{Path: "state.json"}, time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)

	_, cmd = model.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestModel_Update_StateMsg(t *testing.T) {
	model := NewModel(FileSource{Path: "state.json"}, time.Second)
	st := sampleState()

	updated, cmd := model.Update(stateMsg(st))
	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.Same(t, st, m.state)
	assert.False(t, m.lastUpdate.IsZero())
	assert.Equal(t, []float64{12}, m.opsHistory)
	assert.Equal(t, []float64{3}, m.delegationHistory)

	// An unchanged file does not add history.
	updated, _ = m.Update(stateMsg(sampleState()))
	m = updated.(Model)
	assert.Len(t, m.opsHistory, 1)

	next := sampleState()
	next.UpdatedAt = next.UpdatedAt.Add(time.Second)
	next.BudgetCounters.DirectOperations = 16
	updated, _ = m.Update(stateMsg(next))
	m = updated.(Model)
	assert.Equal(t, []float64{12, 16}, m.opsHistory)
}

func TestModel_Update_ErrMsg(t *testing.T) {
	model := NewModel(FileSource{Path: "state.json"}, time.Second)

	updated, cmd := model.Update(errMsg(fmt.Errorf("no such file")))
	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.ErrorContains(t, m.err, "no such file")
}

func TestAppendToHistory(t *testing.T) {
	var h []float64
	for i := range historySize + 5 {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
}

func TestModel_View_WithState(t *testing.T) {
	model := NewModel(FileSource{Path: "state.json"}, 5*time.Second)
	updated, _ := model.Update(stateMsg(sampleState()))

	view := updated.(Model).View()
	assert.Contains(t, view, "phasegate monitor")
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "demo")
	assert.Contains(t, view, "2m 5s")
	assert.Contains(t, view, "Phases")
	assert.Contains(t, view, "3/7")
	assert.Contains(t, view, "Budget")
	assert.Contains(t, view, "direct_operations")
	assert.Contains(t, view, "YELLOW")
	assert.Contains(t, view, "B_CHECKPOINT_1")
	assert.Contains(t, view, "[q]")
}

func TestModel_View_Waiting(t *testing.T) {
	model := NewModel(FileSource{Path: "/tmp/state/demo.json"}, 0)
	model.err = fmt.Errorf("no such file")

	view := model.View()
	assert.Contains(t, view, "No run state yet")
	assert.Contains(t, view, "/tmp/state/demo.json")
	assert.Contains(t, view, "no such file")
	assert.NotContains(t, view, "Auto:")
}

func TestBadges(t *testing.T) {
	assert.Contains(t, runBadge(checkpoint.RunComplete), "COMPLETE")
	assert.Contains(t, runBadge(checkpoint.RunSuspended), "SUSPENDED")
	assert.Contains(t, runBadge(checkpoint.RunBlocked), "BLOCKED")
	assert.Contains(t, runBadge(checkpoint.RunFailed), "FAILED")
	assert.Contains(t, zoneBadge(budget.Green), "GREEN")
	assert.Contains(t, zoneBadge(budget.Red), "RED")
}
