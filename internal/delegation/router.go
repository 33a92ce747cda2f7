// Package delegation resolves work items to worker capabilities under a
// static routing policy.
package delegation

import (
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/plan"
)

// Capabilities used by the default routing table.
const (
	CapCodebaseResearch   = "codebase-research"
	CapDocsResearch       = "docs-research"
	CapCodeWriting        = "code-writing"
	CapTestWriting        = "test-writing"
	CapArchitectureReview = "architecture-review"
	CapDocWriting         = "doc-writing"
	CapErrorFixing        = "error-fixing"
)

// DefaultTable maps the standard task types to capabilities.
func DefaultTable() map[string]string {
	return map[string]string{
		"codeExploration>3files": CapCodebaseResearch,
		"broadSearch":            CapCodebaseResearch,
		"docsLookup":             CapDocsResearch,
		"sourceImplementation":   CapCodeWriting,
		"testImplementation":     CapTestWriting,
		"architectureValidation": CapArchitectureReview,
		"documentation":          CapDocWriting,
		"errorFixing":            CapErrorFixing,
	}
}

// DefaultForbiddenDirect lists task types that must never run without a
// matching worker.
func DefaultForbiddenDirect() []string {
	return []string{
		"codeExploration>3files",
		"broadSearch",
		"docsLookup",
		"sourceImplementation",
		"testImplementation",
	}
}

// CapabilitySet reports which capabilities the worker pool advertises.
type CapabilitySet interface {
	HasCapability(capability string) bool
}

// Router resolves items to capabilities.
type Router struct {
	table     map[string]string
	forbidden map[string]bool
	pool      CapabilitySet
	logger    *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter creates a router over table and forbiddenDirect. A nil table
// selects DefaultTable and DefaultForbiddenDirect.
func NewRouter(table map[string]string, forbiddenDirect []string, pool CapabilitySet, opts ...Option) *Router {
	if table == nil {
		table = DefaultTable()
		if forbiddenDirect == nil {
			forbiddenDirect = DefaultForbiddenDirect()
		}
	}
	r := &Router{
		table:     maps.Clone(table),
		forbidden: make(map[string]bool, len(forbiddenDirect)),
		pool:      pool,
		logger:    zap.NewNop(),
	}
	for _, tt := range forbiddenDirect {
		r.forbidden[tt] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capability resolves the capability for an item without checking the pool.
// An explicit item capability wins; otherwise the table is consulted, and an
// unmapped task type is used as the capability name itself.
func (r *Router) Capability(item plan.WorkItem) string {
	if item.Capability != "" {
		return item.Capability
	}
	if c, ok := r.table[item.TaskType]; ok {
		return c
	}
	return item.TaskType
}

// ForbiddenDirect reports whether a task type must always be delegated.
func (r *Router) ForbiddenDirect(taskType string) bool {
	return r.forbidden[taskType]
}

// Route returns the capability for item, or an error when no worker in the
// pool advertises it.
func (r *Router) Route(item plan.WorkItem) (string, error) {
	capability := r.Capability(item)
	if r.pool != nil && r.pool.HasCapability(capability) {
		return capability, nil
	}

	miss := &NoCapabilityMatchError{ItemID: item.ID, TaskType: item.TaskType, Capability: capability}
	if r.forbidden[item.TaskType] {
		r.logger.Error("delegation-mandated item has no worker",
			zap.String("item_id", item.ID),
			zap.String("task_type", item.TaskType),
			zap.String("capability", capability))
		return "", &PolicyViolationError{
			ItemID:     item.ID,
			TaskType:   item.TaskType,
			Capability: capability,
			cause:      miss,
		}
	}
	r.logger.Warn("no worker for capability",
		zap.String("item_id", item.ID),
		zap.String("capability", capability))
	return "", miss
}

// RoutePhase routes every item and returns a copy of the phase with
// capabilities filled in. The first failing item, in declaration order, is
// returned as the error and nothing is dispatched.
func (r *Router) RoutePhase(ph plan.Phase) (plan.Phase, error) {
	out := ph.Clone()
	for i := range out.WorkItems {
		capability, err := r.Route(out.WorkItems[i])
		if err != nil {
			return ph, err
		}
		out.WorkItems[i].Capability = capability
	}
	return out, nil
}

// TaskTypes returns the mapped task types in sorted order.
func (r *Router) TaskTypes() []string {
	return slices.Sorted(maps.Keys(r.table))
}
