package plan

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func phase(id string, deps ...string) Phase {
	return Phase{
		ID:        id,
		DependsOn: deps,
		WorkItems: []WorkItem{{ID: id + "-1", TaskType: "sourceImplementation"}},
	}
}

func TestRegistry_RegisterPhase(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	require.NoError(t, r.RegisterPhase(phase("A"), nil))
	require.NoError(t, r.RegisterPhase(phase("B"), []string{"A"}))

	err = r.RegisterPhase(phase("A"), nil)
	assert.ErrorIs(t, err, ErrDuplicatePhase)

	st, err := r.Status("B")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}

func TestRegistry_RegisterPhase_Cycle(t *testing.T) {
	t.Run("self edge", func(t *testing.T) {
		r, _ := NewRegistry(nil)
		err := r.RegisterPhase(phase("A"), []string{"A"})

		var cyc *CyclicDependencyError
		require.ErrorAs(t, err, &cyc)
		assert.Equal(t, "A", cyc.Phase)
	})

	t.Run("forward reference closes cycle", func(t *testing.T) {
		r, _ := NewRegistry(nil)
		require.NoError(t, r.RegisterPhase(phase("A"), []string{"C"}))
		require.NoError(t, r.RegisterPhase(phase("B"), []string{"A"}))

		err := r.RegisterPhase(phase("C"), []string{"B"})
		var cyc *CyclicDependencyError
		require.ErrorAs(t, err, &cyc)
		assert.Equal(t, []string{"C", "B", "A", "C"}, cyc.Cycle)
		assert.ErrorIs(t, err, ErrInvalidPlan)

		// Rejected phase is not registered.
		_, ok := r.Get("C")
		assert.False(t, ok)
	})
}

func TestRegistry_MissingDependency(t *testing.T) {
	_, err := NewRegistry(&Plan{Phases: []Phase{phase("A"), phase("B", "Z")}})

	var missing *MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "B", missing.Phase)
	assert.Equal(t, "Z", missing.Dependency)
	assert.Contains(t, err.Error(), "non-existent phase Z")
}

func TestRegistry_NextReady(t *testing.T) {
	r, err := NewRegistry(&Plan{Phases: []Phase{
		phase("A"),
		phase("B", "A"),
		phase("C"),
		phase("D", "B", "C"),
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, ids(r.NextReady()))

	require.NoError(t, r.Activate("A"))
	assert.Equal(t, []string{"C"}, ids(r.NextReady()))

	require.NoError(t, r.MarkComplete("A", GateReport{Met: []string{"x"}}))
	assert.Equal(t, []string{"B", "C"}, ids(r.NextReady()))

	require.NoError(t, r.Activate("B"))
	require.NoError(t, r.MarkComplete("B", GateReport{}))
	assert.Equal(t, []string{"C"}, ids(r.NextReady()))

	err = r.Activate("D")
	assert.ErrorIs(t, err, ErrDependencyPending)
}

func TestRegistry_MarkComplete_GateFailure(t *testing.T) {
	r, err := NewRegistry(&Plan{Phases: []Phase{phase("A"), phase("B", "A")}})
	require.NoError(t, err)
	require.NoError(t, r.Activate("A"))

	err = r.MarkComplete("A", GateReport{Unmet: []string{"testsPass"}})
	var gf *PhaseGateFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, []string{"testsPass"}, gf.Unmet)

	st, _ := r.Status("A")
	assert.Equal(t, StatusBlocked, st)
	assert.Empty(t, r.NextReady(), "B must not become ready behind a blocked phase")
}

func TestRegistry_Transitions(t *testing.T) {
	r, err := NewRegistry(&Plan{Phases: []Phase{phase("A")}})
	require.NoError(t, err)

	err = r.MarkComplete("A", GateReport{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, r.Activate("A"))
	require.NoError(t, r.Suspend("A"))
	st, _ := r.Status("A")
	assert.Equal(t, StatusPending, st)

	require.NoError(t, r.Activate("A"))
	require.NoError(t, r.Cancel("A", "interrupted"))
	require.NoError(t, r.Activate("A"))
	require.NoError(t, r.MarkComplete("A", GateReport{}))

	err = r.Block("A", "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Status("nope")
	assert.ErrorIs(t, err, ErrPhaseNotFound)
}

func TestRegistry_RestoreAndSnapshot(t *testing.T) {
	r, err := NewRegistry(&Plan{Phases: []Phase{phase("A"), phase("B", "A")}})
	require.NoError(t, err)

	require.NoError(t, r.Restore(map[string]Status{"A": StatusComplete}))
	assert.Equal(t, []string{"B"}, ids(r.NextReady()))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, StatusComplete, snap[0].Status)
	assert.Equal(t, []string{"A"}, snap[1].DependsOn)
	assert.Equal(t, map[Status]int{StatusComplete: 1, StatusPending: 1}, r.Counts())

	assert.ErrorIs(t, r.Restore(map[string]Status{"Z": StatusComplete}), ErrPhaseNotFound)
}

// Completing phases in any ready order never exposes a phase whose
// dependencies are incomplete.
func TestRegistry_NextReadyRespectsDependencies(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		// Random DAG: edges only point to earlier phases.
		var phases []Phase
		for i := 0; i < 8; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("P%d", j))
				}
			}
			phases = append(phases, phase(fmt.Sprintf("P%d", i), deps...))
		}
		r, err := NewRegistry(&Plan{Phases: phases})
		require.NoError(t, err)

		done := make(map[string]bool)
		for len(done) < len(phases) {
			ready := r.NextReady()
			require.NotEmpty(t, ready)
			for _, ph := range ready {
				for _, dep := range ph.DependsOn {
					require.True(t, done[dep], "phase %s ready before %s complete", ph.ID, dep)
				}
			}
			pick := ready[rng.Intn(len(ready))]
			require.NoError(t, r.Activate(pick.ID))
			require.NoError(t, r.MarkComplete(pick.ID, GateReport{}))
			done[pick.ID] = true
		}
	}
}

func TestPlan_Validate(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		want string
	}{
		{"no phases", Plan{}, "no phases"},
		{"empty phase id", Plan{Phases: []Phase{{}}}, "empty id"},
		{
			"duplicate item",
			Plan{Phases: []Phase{phase("A"), {ID: "B", WorkItems: []WorkItem{{ID: "A-1", TaskType: "x"}}}}},
			"declared in both A and B",
		},
		{
			"item without task type",
			Plan{Phases: []Phase{{ID: "A", WorkItems: []WorkItem{{ID: "i"}}}}},
			"needs a taskType or capability",
		},
		{
			"criterion without name",
			Plan{Phases: []Phase{{ID: "A", SuccessCriteria: []Criterion{{Command: []string{"true"}}}}}},
			"empty name",
		},
		{"missing dependency", Plan{Phases: []Phase{phase("A", "Q")}}, "non-existent phase Q"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPlan))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlan_ReplacePhase(t *testing.T) {
	p := &Plan{ID: "p", Phases: []Phase{phase("A"), phase("B", "A"), phase("C", "B")}}

	out, err := p.ReplacePhase("B", []Phase{phase("Ba", "A"), phase("Bb", "Ba")}, "Bb")
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "Ba", "Bb", "C"}, ids(out.Phases))
	c, _ := out.Phase("C")
	assert.Equal(t, []string{"Bb"}, c.DependsOn)

	// Original is untouched.
	orig, _ := p.Phase("C")
	assert.Equal(t, []string{"B"}, orig.DependsOn)

	_, err = p.ReplacePhase("Z", nil, "")
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func ids(phases []Phase) []string {
	out := make([]string, len(phases))
	for i, ph := range phases {
		out[i] = ph.ID
	}
	return out
}
