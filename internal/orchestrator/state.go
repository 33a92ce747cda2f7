package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
	"github.com/fyrsmithlabs/phasegate/internal/reflection"
)

// runState is the coordinator's bookkeeping for one run.
type runState struct {
	id        string
	plan      *plan.Plan
	registry  *plan.Registry
	collector *reflection.Collector
	report    *Report
	startedAt time.Time

	// completed holds completed item IDs per phase.
	completed map[string]map[string]bool
	// resume holds the checkpoint to continue each phase from.
	resume map[string]*checkpoint.Checkpoint

	phase            string
	latestCheckpoint string
	message          string
}

func newRunState(id string, p *plan.Plan, registry *plan.Registry) *runState {
	return &runState{
		id:        id,
		plan:      p,
		registry:  registry,
		collector: reflection.NewCollector(),
		report:    &Report{Completed: make(map[string][]string)},
		startedAt: time.Now().UTC(),
		completed: make(map[string]map[string]bool),
		resume:    make(map[string]*checkpoint.Checkpoint),
	}
}

func (st *runState) markCompleted(phaseID, itemID string) {
	set, ok := st.completed[phaseID]
	if !ok {
		set = make(map[string]bool)
		st.completed[phaseID] = set
	}
	set[itemID] = true
}

// completedIDs returns the completed items of ph in declaration order.
func (st *runState) completedIDs(ph plan.Phase) []string {
	out := []string{}
	for _, id := range ph.ItemIDs() {
		if st.completed[ph.ID][id] {
			out = append(out, id)
		}
	}
	return out
}

// completedPhases returns the Complete phases in declaration order.
func (st *runState) completedPhases() []string {
	var out []string
	for _, ps := range st.registry.Snapshot() {
		if ps.Status == plan.StatusComplete {
			out = append(out, ps.ID)
		}
	}
	return out
}

// saveState rewrites the run state file. Failures are logged; the state file
// is informational and never blocks the run.
func (c *Coordinator) saveState(st *runState, status checkpoint.RunStatus, message string) {
	rs := &checkpoint.RunState{
		RunID:            st.id,
		PlanID:           st.plan.ID,
		PlanPath:         st.plan.Source,
		Status:           status,
		ActivePhase:      st.phase,
		BudgetCounters:   c.meter.Counters(),
		Zone:             c.meter.Zone(),
		LatestCheckpoint: st.latestCheckpoint,
		Message:          message,
		StartedAt:        st.startedAt,
	}
	for _, ps := range st.registry.Snapshot() {
		ph, _ := st.plan.Phase(ps.ID)
		rs.Phases = append(rs.Phases, checkpoint.PhaseSummary{
			ID:             ps.ID,
			Status:         string(ps.Status),
			DependsOn:      ps.DependsOn,
			Reason:         ps.Reason,
			Items:          len(ph.WorkItems),
			CompletedItems: len(st.completed[ps.ID]),
		})
	}
	if err := c.store.SaveState(rs); err != nil {
		c.logger.Warn("failed to save run state", zap.String("run_id", st.id), zap.Error(err))
	}
}
