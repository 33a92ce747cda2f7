// Package classify buckets work items by estimated cost and enforces
// per-phase sizing limits.
package classify

import (
	"fmt"

	"github.com/fyrsmithlabs/phasegate/internal/plan"
)

// Config holds the size-class boundaries and phase sizing limits.
type Config struct {
	SmallMaxOps          int
	SmallMaxDelegations  int
	MediumMaxOps         int
	MediumMaxDelegations int
	MaxItems             int
	MaxLargeItems        int
}

// DefaultConfig returns the stock limits: Small up to 2 ops or 1
// delegation, Medium up to 5 ops or 3 delegations, at most 7 items and 3
// Large items per phase.
func DefaultConfig() Config {
	return Config{
		SmallMaxOps:          2,
		SmallMaxDelegations:  1,
		MediumMaxOps:         5,
		MediumMaxDelegations: 3,
		MaxItems:             7,
		MaxLargeItems:        3,
	}
}

// PhaseTooLargeError instructs the caller to split a phase.
type PhaseTooLargeError struct {
	PhaseID          string
	ActualCount      int
	ActualLargeCount int
	MaxItems         int
	MaxLargeItems    int
}

func (e *PhaseTooLargeError) Error() string {
	return fmt.Sprintf("phase %s too large: %d items (max %d), %d large (max %d); split it into %sa, %sb, ...",
		e.PhaseID, e.ActualCount, e.MaxItems, e.ActualLargeCount, e.MaxLargeItems, e.PhaseID, e.PhaseID)
}

// Classifier assigns size classes and checks sizing limits.
type Classifier struct {
	cfg Config
}

// New creates a classifier. Zero limits fall back to DefaultConfig values.
func New(cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.SmallMaxOps <= 0 {
		cfg.SmallMaxOps = def.SmallMaxOps
	}
	if cfg.SmallMaxDelegations <= 0 {
		cfg.SmallMaxDelegations = def.SmallMaxDelegations
	}
	if cfg.MediumMaxOps <= 0 {
		cfg.MediumMaxOps = def.MediumMaxOps
	}
	if cfg.MediumMaxDelegations <= 0 {
		cfg.MediumMaxDelegations = def.MediumMaxDelegations
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.MaxLargeItems <= 0 {
		cfg.MaxLargeItems = def.MaxLargeItems
	}
	return &Classifier{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Classify buckets an estimate. Each axis is classified on its own and the
// larger class wins, so 1 op with 4 delegations is Large.
func (c *Classifier) Classify(est plan.CostEstimate) plan.SizeClass {
	switch {
	case est.Operations > c.cfg.MediumMaxOps || est.Delegations > c.cfg.MediumMaxDelegations:
		return plan.SizeLarge
	case est.Operations > c.cfg.SmallMaxOps || est.Delegations > c.cfg.SmallMaxDelegations:
		return plan.SizeMedium
	default:
		return plan.SizeSmall
	}
}

// ClassifyPhase returns a copy of the phase with every item's SizeClass set
// from its estimate.
func (c *Classifier) ClassifyPhase(ph plan.Phase) plan.Phase {
	out := ph.Clone()
	for i := range out.WorkItems {
		out.WorkItems[i].SizeClass = c.Classify(out.WorkItems[i].Estimate)
	}
	return out
}

// ValidatePhase enforces the item-count and Large-count limits on a
// classified phase.
func (c *Classifier) ValidatePhase(ph plan.Phase) error {
	large := countLarge(ph.WorkItems)
	if len(ph.WorkItems) > c.cfg.MaxItems || large > c.cfg.MaxLargeItems {
		return &PhaseTooLargeError{
			PhaseID:          ph.ID,
			ActualCount:      len(ph.WorkItems),
			ActualLargeCount: large,
			MaxItems:         c.cfg.MaxItems,
			MaxLargeItems:    c.cfg.MaxLargeItems,
		}
	}
	return nil
}

func countLarge(items []plan.WorkItem) int {
	n := 0
	for _, item := range items {
		if item.SizeClass == plan.SizeLarge {
			n++
		}
	}
	return n
}
