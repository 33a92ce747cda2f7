// Package plan holds the plan data model, plan file loading, and the phase
// registry that sequences phases by dependency.
package plan

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Status is the lifecycle state of a phase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
)

// ValidTransitions defines the allowed phase status transitions.
// Blocked and Cancelled phases may be re-activated by a resume; a Cancelled
// phase only by operator override, which the caller enforces.
var ValidTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusBlocked, StatusCancelled},
	StatusActive:    {StatusComplete, StatusBlocked, StatusCancelled},
	StatusBlocked:   {StatusActive, StatusCancelled},
	StatusCancelled: {StatusActive},
	StatusComplete:  {},
}

// CanTransitionTo reports whether the transition is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(ValidTransitions[s], next)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return len(ValidTransitions[s]) == 0
}

// SizeClass buckets a work item by estimated cost.
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// ItemStatus is the dispatch state of a work item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemDispatched ItemStatus = "dispatched"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// CostEstimate is the declared cost of a work item.
type CostEstimate struct {
	Operations  int `json:"operations" yaml:"operations" toml:"operations"`
	Delegations int `json:"delegations" yaml:"delegations" toml:"delegations"`
}

// WorkItem is the smallest unit of delegatable work.
type WorkItem struct {
	ID         string         `json:"id" yaml:"id" toml:"id"`
	TaskType   string         `json:"taskType" yaml:"taskType" toml:"taskType"`
	Payload    map[string]any `json:"payload,omitempty" yaml:"payload,omitempty" toml:"payload,omitempty"`
	Estimate   CostEstimate   `json:"estimate" yaml:"estimate" toml:"estimate"`
	SizeClass  SizeClass      `json:"sizeClass,omitempty" yaml:"sizeClass,omitempty" toml:"sizeClass,omitempty"`
	Capability string         `json:"capability,omitempty" yaml:"capability,omitempty" toml:"capability,omitempty"`
	Status     ItemStatus     `json:"status,omitempty" yaml:"-" toml:"-"`
}

// Criterion is a declared success criterion. A bare string in a plan file is
// a criterion with only a name.
type Criterion struct {
	Name    string   `json:"name" yaml:"name" toml:"name"`
	Command []string `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
}

// UnmarshalJSON accepts either "name" or {"name": ..., "command": [...]}.
func (c *Criterion) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*c = Criterion{Name: name}
		return nil
	}
	type raw Criterion
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("criterion must be a string or object: %w", err)
	}
	*c = Criterion(r)
	return nil
}

// UnmarshalYAML accepts a scalar name or a mapping.
func (c *Criterion) UnmarshalYAML(unmarshal func(any) error) error {
	var name string
	if err := unmarshal(&name); err == nil {
		*c = Criterion{Name: name}
		return nil
	}
	type raw Criterion
	var r raw
	if err := unmarshal(&r); err != nil {
		return fmt.Errorf("criterion must be a string or mapping: %w", err)
	}
	*c = Criterion(r)
	return nil
}

// UnmarshalTOML accepts a string or an inline table.
func (c *Criterion) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case string:
		*c = Criterion{Name: t}
	case map[string]any:
		name, _ := t["name"].(string)
		*c = Criterion{Name: name}
		if cmd, ok := t["command"].([]any); ok {
			for _, part := range cmd {
				s, ok := part.(string)
				if !ok {
					return fmt.Errorf("criterion %q: command entries must be strings", name)
				}
				c.Command = append(c.Command, s)
			}
		}
	default:
		return fmt.Errorf("criterion must be a string or table, got %T", v)
	}
	return nil
}

// Phase is a unit of the plan gated by its dependencies.
type Phase struct {
	ID              string      `json:"id" yaml:"id" toml:"id"`
	DependsOn       []string    `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty" toml:"dependsOn,omitempty"`
	WorkItems       []WorkItem  `json:"workItems" yaml:"workItems" toml:"workItems"`
	SuccessCriteria []Criterion `json:"successCriteria,omitempty" yaml:"successCriteria,omitempty" toml:"successCriteria,omitempty"`
	Status          Status      `json:"status,omitempty" yaml:"-" toml:"-"`
}

// Clone returns a deep copy so registry state never aliases plan data.
func (p Phase) Clone() Phase {
	out := p
	out.DependsOn = slices.Clone(p.DependsOn)
	out.SuccessCriteria = slices.Clone(p.SuccessCriteria)
	out.WorkItems = make([]WorkItem, len(p.WorkItems))
	copy(out.WorkItems, p.WorkItems)
	return out
}

// ItemIDs returns the work item IDs in declaration order.
func (p Phase) ItemIDs() []string {
	ids := make([]string, len(p.WorkItems))
	for i, item := range p.WorkItems {
		ids[i] = item.ID
	}
	return ids
}

// Plan is an ordered list of phases forming a DAG. It is never mutated after
// loading; ReplacePhase returns a new Plan.
type Plan struct {
	ID     string  `json:"id" yaml:"id" toml:"id"`
	Name   string  `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Phases []Phase `json:"phases" yaml:"phases" toml:"phases"`

	// Source is the file the plan was loaded from.
	Source string `json:"-" yaml:"-" toml:"-"`
}

// Phase returns the phase with the given ID.
func (p *Plan) Phase(id string) (Phase, bool) {
	for _, ph := range p.Phases {
		if ph.ID == id {
			return ph, true
		}
	}
	return Phase{}, false
}

// ReplacePhase returns a copy of the plan with the phase id replaced in place
// by parts. Phases that depended on id are rewired to depend on last.
func (p *Plan) ReplacePhase(id string, parts []Phase, last string) (*Plan, error) {
	idx := slices.IndexFunc(p.Phases, func(ph Phase) bool { return ph.ID == id })
	if idx < 0 {
		return nil, fmt.Errorf("%w: phase %s not found", ErrInvalidPlan, id)
	}

	out := &Plan{ID: p.ID, Name: p.Name, Source: p.Source}
	out.Phases = make([]Phase, 0, len(p.Phases)+len(parts)-1)
	for i, ph := range p.Phases {
		if i == idx {
			for _, part := range parts {
				out.Phases = append(out.Phases, part.Clone())
			}
			continue
		}
		c := ph.Clone()
		for j, dep := range c.DependsOn {
			if dep == id {
				c.DependsOn[j] = last
			}
		}
		out.Phases = append(out.Phases, c)
	}
	return out, nil
}

// Validate checks identifiers and dependency structure. It reports missing
// dependencies and cycles the same way the registry does.
func (p *Plan) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("%w: plan has no phases", ErrInvalidPlan)
	}

	items := make(map[string]string)
	for _, ph := range p.Phases {
		if ph.ID == "" {
			return fmt.Errorf("%w: phase with empty id", ErrInvalidPlan)
		}
		for _, item := range ph.WorkItems {
			if item.ID == "" {
				return fmt.Errorf("%w: phase %s has a work item with empty id", ErrInvalidPlan, ph.ID)
			}
			if item.TaskType == "" && item.Capability == "" {
				return fmt.Errorf("%w: work item %s needs a taskType or capability", ErrInvalidPlan, item.ID)
			}
			if owner, dup := items[item.ID]; dup {
				return fmt.Errorf("%w: work item %s declared in both %s and %s", ErrInvalidPlan, item.ID, owner, ph.ID)
			}
			items[item.ID] = ph.ID
		}
		for _, c := range ph.SuccessCriteria {
			if c.Name == "" {
				return fmt.Errorf("%w: phase %s has a success criterion with empty name", ErrInvalidPlan, ph.ID)
			}
		}
	}

	_, err := NewRegistry(p)
	return err
}
