package checkpoint

import (
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/reflection"
)

// Reason records why a checkpoint was taken.
type Reason string

const (
	// ReasonRed is a budget Red-zone suspension.
	ReasonRed Reason = "red"
	// ReasonProactive is written on entering Yellow with most work remaining.
	// The run continues.
	ReasonProactive Reason = "proactive"
	// ReasonManual is an explicit operator request (SIGUSR1 or the status
	// server). The run continues.
	ReasonManual Reason = "manual"
	// ReasonBlocked is written when a phase blocks on a failure.
	ReasonBlocked Reason = "blocked"
	// ReasonCancelled is the final checkpoint of a cancelled run. It resumes
	// only with an operator override.
	ReasonCancelled Reason = "cancelled"
)

// Checkpoint is a durable snapshot of one phase's progress.
//
// CompletedItemIDs, InProgressItem, and RemainingItemIDs partition the
// phase's work items exactly.
type Checkpoint struct {
	ID       string `json:"id"`
	PhaseID  string `json:"phaseId"`
	Sequence int    `json:"sequence"`

	CompletedItemIDs []string        `json:"completedItemIds"`
	InProgressItem   string          `json:"inProgressItem,omitempty"`
	RemainingItemIDs []string        `json:"remainingItemIds"`
	BudgetCounters   budget.Counters `json:"budgetCounters"`
	Zone             budget.Zone     `json:"zone"`
	Timestamp        time.Time       `json:"timestamp"`

	Reason    Reason `json:"reason"`
	Cancelled bool   `json:"cancelled,omitempty"`

	// RunID, PlanID, and PlanPath locate the run to resume.
	RunID    string `json:"runId"`
	PlanID   string `json:"planId"`
	PlanPath string `json:"planPath"`

	// CompletedPhases lists phases already Complete when the snapshot was taken.
	CompletedPhases []string `json:"completedPhases,omitempty"`

	// Reflections holds the records of completed items so synthesis after a
	// resume still sees them.
	Reflections []reflection.Record `json:"reflections,omitempty"`

	// ItemCriteria keeps the criteria each completed item reported, keyed by
	// item ID, so gate evaluation after a resume sees them.
	ItemCriteria map[string]map[string]bool `json:"itemCriteria,omitempty"`

	// Detail names the failing item, criterion, or error for blocked
	// checkpoints.
	Detail string `json:"detail,omitempty"`
}

// SnapshotRequest carries the state to persist. ItemIDs is the phase's full
// item list in declaration order and is used to check the partition.
type SnapshotRequest struct {
	PhaseID          string
	ItemIDs          []string
	CompletedItemIDs []string
	InProgressItem   string
	RemainingItemIDs []string
	BudgetCounters   budget.Counters
	Zone             budget.Zone
	Reason           Reason
	RunID            string
	PlanID           string
	PlanPath         string
	CompletedPhases  []string
	Reflections      []reflection.Record
	ItemCriteria     map[string]map[string]bool
	Detail           string
}

// RestoreOptions controls Restore.
type RestoreOptions struct {
	// Force allows restoring a Cancelled checkpoint.
	Force bool
}

// RunStatus is the overall state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunComplete  RunStatus = "complete"
	RunBlocked   RunStatus = "blocked"
	RunSuspended RunStatus = "suspended"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// PhaseSummary is one phase's entry in the run state file.
type PhaseSummary struct {
	ID             string   `json:"id"`
	Status         string   `json:"status"`
	DependsOn      []string `json:"dependsOn,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Items          int      `json:"items"`
	CompletedItems int      `json:"completedItems"`
}

// RunState is the run state file, rewritten on every phase transition.
type RunState struct {
	RunID            string          `json:"runId"`
	PlanID           string          `json:"planId"`
	PlanPath         string          `json:"planPath"`
	Status           RunStatus       `json:"status"`
	ActivePhase      string          `json:"activePhase,omitempty"`
	Phases           []PhaseSummary  `json:"phases"`
	BudgetCounters   budget.Counters `json:"budgetCounters"`
	Zone             budget.Zone     `json:"zone"`
	LatestCheckpoint string          `json:"latestCheckpoint,omitempty"`
	Message          string          `json:"message,omitempty"`
	StartedAt        time.Time       `json:"startedAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}
