package plan

import (
	"fmt"
	"slices"
	"sync"
)

// GateReport is the outcome of evaluating a phase's success criteria.
type GateReport struct {
	Met   []string `json:"met"`
	Unmet []string `json:"unmet"`
}

// Passed reports whether every criterion was met.
func (r GateReport) Passed() bool {
	return len(r.Unmet) == 0
}

// PhaseState is a read-only view of a registered phase.
type PhaseState struct {
	ID        string   `json:"id"`
	Status    Status   `json:"status"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

type entry struct {
	phase  Phase
	reason string
}

// Registry holds the phase DAG and phase statuses.
//
// Status transitions are made by the single coordinator goroutine; the lock
// only protects concurrent readers such as the status server.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	deps    map[string][]string
}

// NewRegistry registers every phase of p in declaration order and checks that
// all dependencies exist.
func NewRegistry(p *Plan) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*entry),
		deps:    make(map[string][]string),
	}
	if p == nil {
		return r, nil
	}
	for _, ph := range p.Phases {
		if err := r.RegisterPhase(ph, ph.DependsOn); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterPhase adds a phase with its dependency edges. Dependencies may name
// phases registered later. Returns *CyclicDependencyError if any edge would
// close a cycle; in that case nothing is registered.
func (r *Registry) RegisterPhase(phase Phase, deps []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[phase.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePhase, phase.ID)
	}

	for _, dep := range deps {
		if dep == phase.ID {
			return &CyclicDependencyError{Phase: phase.ID, Dependency: dep, Cycle: []string{phase.ID, phase.ID}}
		}
		// Adding phase -> dep closes a cycle iff phase is already reachable
		// from dep through existing edges.
		if path := r.pathLocked(dep, phase.ID); path != nil {
			return &CyclicDependencyError{
				Phase:      phase.ID,
				Dependency: dep,
				Cycle:      append([]string{phase.ID}, path...),
			}
		}
	}

	ph := phase.Clone()
	ph.DependsOn = slices.Clone(deps)
	if ph.Status == "" {
		ph.Status = StatusPending
	}
	r.entries[ph.ID] = &entry{phase: ph}
	r.deps[ph.ID] = ph.DependsOn
	r.order = append(r.order, ph.ID)
	return nil
}

// pathLocked returns the dependency path from -> ... -> to, or nil.
func (r *Registry) pathLocked(from, to string) []string {
	visited := make(map[string]bool)
	var walk func(id string) []string
	walk = func(id string) []string {
		if id == to {
			return []string{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		for _, next := range r.deps[id] {
			if rest := walk(next); rest != nil {
				return append([]string{id}, rest...)
			}
		}
		return nil
	}
	return walk(from)
}

// Validate reports the first dependency on an unregistered phase.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		for _, dep := range r.deps[id] {
			if _, ok := r.entries[dep]; !ok {
				return &MissingDependencyError{Phase: id, Dependency: dep}
			}
		}
	}
	return nil
}

// NextReady returns every Pending phase whose dependencies are all Complete,
// in plan declaration order.
func (r *Registry) NextReady() []Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ready []Phase
	for _, id := range r.order {
		e := r.entries[id]
		if e.phase.Status != StatusPending {
			continue
		}
		if r.depsCompleteLocked(id) {
			ready = append(ready, e.phase.Clone())
		}
	}
	return ready
}

func (r *Registry) depsCompleteLocked(id string) bool {
	for _, dep := range r.deps[id] {
		d, ok := r.entries[dep]
		if !ok || d.phase.Status != StatusComplete {
			return false
		}
	}
	return true
}

// Get returns a copy of the phase.
func (r *Registry) Get(id string) (Phase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Phase{}, false
	}
	return e.phase.Clone(), true
}

// Status returns the phase status.
func (r *Registry) Status(id string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPhaseNotFound, id)
	}
	return e.phase.Status, nil
}

// Activate moves a phase to Active. Its dependencies must all be Complete.
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok && !r.depsCompleteLocked(id) {
		return fmt.Errorf("%w: %s", ErrDependencyPending, id)
	}
	return r.transitionLocked(id, StatusActive, "")
}

// MarkComplete completes an Active phase when report has no unmet criteria.
// Otherwise the phase becomes Blocked and *PhaseGateFailure is returned.
func (r *Registry) MarkComplete(id string, report GateReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !report.Passed() {
		failure := &PhaseGateFailure{PhaseID: id, Unmet: slices.Clone(report.Unmet)}
		if err := r.transitionLocked(id, StatusBlocked, failure.Error()); err != nil {
			return err
		}
		return failure
	}
	return r.transitionLocked(id, StatusComplete, "")
}

// Block marks a phase Blocked with a reason naming the failing item,
// criterion, or error.
func (r *Registry) Block(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(id, StatusBlocked, reason)
}

// Cancel marks a phase Cancelled.
func (r *Registry) Cancel(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(id, StatusCancelled, reason)
}

// Suspend returns an Active phase to Pending without a transition check. It is
// used when a budget checkpoint ends the session mid-phase.
func (r *Registry) Suspend(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPhaseNotFound, id)
	}
	if e.phase.Status != StatusActive {
		return fmt.Errorf("%w: cannot suspend %s phase %s", ErrInvalidTransition, e.phase.Status, id)
	}
	e.phase.Status = StatusPending
	e.reason = "suspended at checkpoint"
	return nil
}

// Restore overwrites statuses from a persisted run, before any activation.
func (r *Registry) Restore(statuses map[string]Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, st := range statuses {
		e, ok := r.entries[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrPhaseNotFound, id)
		}
		e.phase.Status = st
	}
	return nil
}

func (r *Registry) transitionLocked(id string, next Status, reason string) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPhaseNotFound, id)
	}
	if !e.phase.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, e.phase.Status, next)
	}
	e.phase.Status = next
	e.reason = reason
	return nil
}

// Snapshot returns every phase's state in declaration order.
func (r *Registry) Snapshot() []PhaseState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PhaseState, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		out = append(out, PhaseState{
			ID:        id,
			Status:    e.phase.Status,
			DependsOn: slices.Clone(r.deps[id]),
			Reason:    e.reason,
		})
	}
	return out
}

// Counts returns the number of phases per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range r.entries {
		counts[e.phase.Status]++
	}
	return counts
}
