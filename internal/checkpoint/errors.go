package checkpoint

import (
	"errors"
	"fmt"
)

// Store errors.
var (
	ErrNotFound         = errors.New("checkpoint not found")
	ErrConsumed         = errors.New("checkpoint already consumed by a previous resume")
	ErrCancelled        = errors.New("checkpoint was written by a cancelled run; resume requires operator override")
	ErrInvalidPartition = errors.New("checkpoint item sets do not partition the phase")
	ErrInvalidID        = errors.New("invalid checkpoint id")
)

// StaleCheckpointError rejects a restore when a later checkpoint exists for
// the same phase.
type StaleCheckpointError struct {
	ID       string
	PhaseID  string
	Sequence int
	Latest   int
}

func (e *StaleCheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s is stale: phase %s has sequence %d (requested %d)",
		e.ID, e.PhaseID, e.Latest, e.Sequence)
}

// CorruptCheckpointError reports a checkpoint file that cannot be parsed or
// fails validation. The file is left untouched.
type CorruptCheckpointError struct {
	ID  string
	Err error
}

func (e *CorruptCheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s is corrupt: %v", e.ID, e.Err)
}

func (e *CorruptCheckpointError) Unwrap() error { return e.Err }
