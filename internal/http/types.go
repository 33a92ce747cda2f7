package http

import (
	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	Run  *checkpoint.RunState `json:"run"`
	Live *LiveBudget          `json:"live,omitempty"`
}

// LiveBudget is the in-process meter reading, fresher than the state file.
type LiveBudget struct {
	Counters budget.Counters `json:"counters"`
	Zone     budget.Zone     `json:"zone"`
}

// CheckpointsResponse is the response body for GET /checkpoints.
type CheckpointsResponse struct {
	Checkpoints []CheckpointEntry `json:"checkpoints"`
}

// CheckpointEntry describes one checkpoint file.
type CheckpointEntry struct {
	ID       string `json:"id"`
	PhaseID  string `json:"phase_id"`
	Sequence int    `json:"sequence"`
	Archived bool   `json:"archived"`
}

// CheckpointRequestResponse is the response body for POST /checkpoint.
type CheckpointRequestResponse struct {
	// Queued is false when a request was already pending.
	Queued bool `json:"queued"`
}
