package classify

import (
	"github.com/fyrsmithlabs/phasegate/internal/plan"
)

// Split partitions an oversized phase into consecutive parts named <id>a,
// <id>b, ... that each satisfy the sizing limits. Item order is preserved.
// The first part keeps the original dependencies, each later part depends on
// the one before it, and success criteria move to the last part.
//
// A phase that already fits is returned unchanged as the only part.
func (c *Classifier) Split(ph plan.Phase) []plan.Phase {
	ph = c.ClassifyPhase(ph)
	if c.ValidatePhase(ph) == nil {
		return []plan.Phase{ph}
	}

	var groups [][]plan.WorkItem
	var cur []plan.WorkItem
	large := 0
	for _, item := range ph.WorkItems {
		isLarge := item.SizeClass == plan.SizeLarge
		if len(cur) == c.cfg.MaxItems || (isLarge && large == c.cfg.MaxLargeItems) {
			groups = append(groups, cur)
			cur, large = nil, 0
		}
		cur = append(cur, item)
		if isLarge {
			large++
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}

	parts := make([]plan.Phase, len(groups))
	for i, items := range groups {
		part := plan.Phase{
			ID:        ph.ID + suffix(i),
			WorkItems: items,
			Status:    plan.StatusPending,
		}
		if i == 0 {
			part.DependsOn = append([]string(nil), ph.DependsOn...)
		} else {
			part.DependsOn = []string{parts[i-1].ID}
		}
		parts[i] = part
	}
	parts[len(parts)-1].SuccessCriteria = append([]plan.Criterion(nil), ph.SuccessCriteria...)
	return parts
}

// SplitPlan applies Split to every oversized phase and returns the new plan
// along with the IDs of the phases that were split.
func (c *Classifier) SplitPlan(p *plan.Plan) (*plan.Plan, []string, error) {
	out := p
	var split []string
	for _, ph := range p.Phases {
		parts := c.Split(ph)
		if len(parts) == 1 {
			continue
		}
		next, err := out.ReplacePhase(ph.ID, parts, parts[len(parts)-1].ID)
		if err != nil {
			return nil, nil, err
		}
		out = next
		split = append(split, ph.ID)
	}
	if len(split) > 0 {
		if err := out.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return out, split, nil
}

// suffix returns a, b, ..., z, aa, ab, ...
func suffix(i int) string {
	s := ""
	for {
		s = string(rune('a'+i%26)) + s
		i = i/26 - 1
		if i < 0 {
			return s
		}
	}
}
