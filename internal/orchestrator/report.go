package orchestrator

import (
	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
	"github.com/fyrsmithlabs/phasegate/internal/reflection"
)

// Exit codes for the CLI.
const (
	ExitOK          = 0
	ExitBlocked     = 1
	ExitSuspended   = 2
	ExitInvalidPlan = 3
	ExitCancelled   = 130
)

// BlockedPhase describes why a phase was blocked.
type BlockedPhase struct {
	PhaseID string `json:"phaseId"`
	Reason  string `json:"reason"`
	// Unmet holds the unmet criterion names verbatim for gate failures.
	Unmet      []string `json:"unmet,omitempty"`
	FailedItem string   `json:"failedItem,omitempty"`
	Diagnostic string   `json:"diagnostic,omitempty"`
	Err        error    `json:"-"`
}

// Report is the outcome of Run or Resume.
type Report struct {
	RunID  string               `json:"runId"`
	PlanID string               `json:"planId"`
	Status checkpoint.RunStatus `json:"status"`
	Phases []plan.PhaseState    `json:"phases"`

	// Completed holds completed item IDs per phase, in declaration order.
	Completed map[string][]string `json:"completed"`
	Blocked   []BlockedPhase      `json:"blocked,omitempty"`

	// Checkpoint is the last checkpoint written in this session.
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	Syntheses  []reflection.Synthesis `json:"syntheses,omitempty"`
	Budget     budget.Counters        `json:"budget"`
	Zone       budget.Zone            `json:"zone"`

	// Err is set when the run could not start or a phase failed sizing.
	Err error `json:"-"`
}

// ExitCode maps the run status onto the CLI contract.
func (r *Report) ExitCode() int {
	switch r.Status {
	case checkpoint.RunComplete:
		return ExitOK
	case checkpoint.RunBlocked:
		return ExitBlocked
	case checkpoint.RunSuspended:
		return ExitSuspended
	case checkpoint.RunCancelled:
		return ExitCancelled
	default:
		return ExitInvalidPlan
	}
}

// Unmet returns the unmet criteria of every gate failure in the run.
func (r *Report) Unmet() []string {
	var out []string
	for _, b := range r.Blocked {
		out = append(out, b.Unmet...)
	}
	return out
}

// PhaseStatus returns the final status of a phase.
func (r *Report) PhaseStatus(id string) plan.Status {
	for _, ps := range r.Phases {
		if ps.ID == id {
			return ps.Status
		}
	}
	return ""
}

func failedReport(err error) *Report {
	return &Report{Status: checkpoint.RunFailed, Completed: map[string][]string{}, Err: err}
}

// Progress reports coordinator progress.
type Progress struct {
	RunID     string      `json:"runId"`
	PhaseID   string      `json:"phaseId"`
	Status    plan.Status `json:"status"`
	Message   string      `json:"message"`
	Completed int         `json:"completed"`
	Total     int         `json:"total"`
	Zone      budget.Zone `json:"zone"`
}

// ProgressCallback receives progress updates during execution.
type ProgressCallback func(progress Progress)
