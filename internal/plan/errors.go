package plan

import (
	"errors"
	"fmt"
	"strings"
)

// Plan errors.
var (
	ErrInvalidPlan       = errors.New("invalid plan")
	ErrPhaseNotFound     = errors.New("phase not found")
	ErrDuplicatePhase    = errors.New("phase already registered")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrDependencyPending = errors.New("phase dependencies not complete")
)

// CyclicDependencyError reports a dependency edge that would close a cycle.
type CyclicDependencyError struct {
	Phase      string
	Dependency string
	Cycle      []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s -> %s closes cycle %s",
		e.Phase, e.Dependency, strings.Join(e.Cycle, " -> "))
}

// Is lets errors.Is(err, ErrInvalidPlan) match plan structure errors.
func (e *CyclicDependencyError) Is(target error) bool { return target == ErrInvalidPlan }

// MissingDependencyError reports a dependency on a phase that does not exist.
type MissingDependencyError struct {
	Phase      string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("phase %s depends on non-existent phase %s", e.Phase, e.Dependency)
}

// Is lets errors.Is(err, ErrInvalidPlan) match plan structure errors.
func (e *MissingDependencyError) Is(target error) bool { return target == ErrInvalidPlan }

// PhaseGateFailure blocks completion of a phase with unmet criteria.
// Unmet holds the criterion names verbatim.
type PhaseGateFailure struct {
	PhaseID string
	Unmet   []string
}

func (e *PhaseGateFailure) Error() string {
	return fmt.Sprintf("phase %s gate failed: unmet criteria [%s]", e.PhaseID, strings.Join(e.Unmet, ", "))
}
