package worker

import (
	"fmt"
	"slices"
)

// Pool is the registry of workers known to the orchestrator. It holds only
// references; worker state stays with the worker.
type Pool struct {
	workers []Worker
	byID    map[string]Worker
}

// NewPool creates a pool. Worker IDs must be unique.
func NewPool(workers ...Worker) (*Pool, error) {
	p := &Pool{byID: make(map[string]Worker, len(workers))}
	for _, w := range workers {
		if err := p.Add(w); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add registers a worker.
func (p *Pool) Add(w Worker) error {
	if w.ID() == "" {
		return fmt.Errorf("worker id is required")
	}
	if _, dup := p.byID[w.ID()]; dup {
		return fmt.Errorf("duplicate worker id %q", w.ID())
	}
	p.byID[w.ID()] = w
	p.workers = append(p.workers, w)
	return nil
}

// HasCapability reports whether any worker advertises capability.
func (p *Pool) HasCapability(capability string) bool {
	for _, w := range p.workers {
		if slices.Contains(w.Capabilities(), capability) {
			return true
		}
	}
	return false
}

// Match returns the workers advertising capability in registration order.
func (p *Pool) Match(capability string) []Worker {
	var out []Worker
	for _, w := range p.workers {
		if slices.Contains(w.Capabilities(), capability) {
			out = append(out, w)
		}
	}
	return out
}

// Get returns a worker by ID.
func (p *Pool) Get(id string) (Worker, bool) {
	w, ok := p.byID[id]
	return w, ok
}

// Workers returns every registered worker.
func (p *Pool) Workers() []Worker {
	return slices.Clone(p.workers)
}

// Capabilities returns the sorted set of advertised capabilities.
func (p *Pool) Capabilities() []string {
	var caps []string
	for _, w := range p.workers {
		for _, c := range w.Capabilities() {
			if !slices.Contains(caps, c) {
				caps = append(caps, c)
			}
		}
	}
	slices.Sort(caps)
	return caps
}

// Len returns the number of workers.
func (p *Pool) Len() int {
	return len(p.workers)
}
