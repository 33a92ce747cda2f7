// Package gate evaluates a phase's declared success criteria.
//
// A criterion is met by, in order of precedence: its command exiting 0, a
// registered Check returning true, or the phase's workers reporting it true
// with no worker reporting it false. Unmet criteria are returned verbatim so
// the caller can name exactly what blocked the phase.
package gate

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/plan"
	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/phasegate/internal/gate"

// Built-in criterion names.
const (
	AllItemsCompleted = "allItemsCompleted"
	NoFailedItems     = "noFailedItems"
)

// Evidence is what the phase produced.
type Evidence struct {
	// Items carries each work item with its final dispatch status.
	Items []plan.WorkItem
	// Results holds the last result per item ID.
	Results map[string]worker.Result
}

// Check is a named boolean predicate over a phase's evidence.
type Check interface {
	Name() string
	Check(ctx context.Context, ph plan.Phase, ev Evidence) (bool, error)
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context, ph plan.Phase, ev Evidence) (bool, error)
}

// NewCheck creates a named check from fn.
func NewCheck(name string, fn func(ctx context.Context, ph plan.Phase, ev Evidence) (bool, error)) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// Name returns the criterion name the check satisfies.
func (c *CheckFunc) Name() string { return c.name }

// Check runs the predicate.
func (c *CheckFunc) Check(ctx context.Context, ph plan.Phase, ev Evidence) (bool, error) {
	return c.fn(ctx, ph, ev)
}

// Validator evaluates phase gates.
type Validator struct {
	mu     sync.RWMutex
	checks map[string]Check

	runner *CommandRunner
	logger *zap.Logger
	tracer trace.Tracer
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the validator logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithCommandRunner replaces the runner used for command criteria.
func WithCommandRunner(r *CommandRunner) Option {
	return func(v *Validator) {
		if r != nil {
			v.runner = r
		}
	}
}

// NewValidator creates a validator with the built-in checks registered.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		checks: make(map[string]Check),
		runner: NewCommandRunner(),
		logger: zap.NewNop(),
		tracer: otel.Tracer(InstrumentationName),
	}
	v.Register(NewCheck(AllItemsCompleted, allItemsCompleted))
	v.Register(NewCheck(NoFailedItems, noFailedItems))
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Register adds or replaces a named check.
func (v *Validator) Register(c Check) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checks[c.Name()] = c
}

// Checks returns the registered check names, sorted.
func (v *Validator) Checks() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.checks))
	for name := range v.checks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (v *Validator) check(name string) (Check, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.checks[name]
	return c, ok
}

// Evaluate runs every declared criterion of ph in declaration order. A phase
// with no criteria passes.
func (v *Validator) Evaluate(ctx context.Context, ph plan.Phase, ev Evidence) plan.GateReport {
	ctx, span := v.tracer.Start(ctx, "gate.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("phase.id", ph.ID),
		attribute.Int("criteria.count", len(ph.SuccessCriteria)),
	)

	report := plan.GateReport{Met: []string{}, Unmet: []string{}}
	for _, c := range ph.SuccessCriteria {
		met, how, err := v.evaluate(ctx, ph, c, ev)
		if err != nil {
			v.logger.Warn("criterion check failed",
				zap.String("phase_id", ph.ID),
				zap.String("criterion", c.Name),
				zap.String("source", how),
				zap.Error(err))
		}
		if met {
			report.Met = append(report.Met, c.Name)
		} else {
			report.Unmet = append(report.Unmet, c.Name)
		}
		v.logger.Debug("criterion evaluated",
			zap.String("phase_id", ph.ID),
			zap.String("criterion", c.Name),
			zap.String("source", how),
			zap.Bool("met", met))
	}

	span.SetAttributes(attribute.StringSlice("criteria.unmet", report.Unmet))
	if !report.Passed() {
		span.SetStatus(codes.Error, fmt.Sprintf("%d unmet criteria", len(report.Unmet)))
	}
	return report
}

func (v *Validator) evaluate(ctx context.Context, ph plan.Phase, c plan.Criterion, ev Evidence) (bool, string, error) {
	if len(c.Command) > 0 {
		met, err := v.runner.Run(ctx, ph.ID, c)
		return met, "command", err
	}
	if chk, ok := v.check(c.Name); ok {
		met, err := chk.Check(ctx, ph, ev)
		if err != nil {
			return false, "check", err
		}
		return met, "check", nil
	}
	return reported(c.Name, ev), "reported", nil
}

// reported is met when at least one result reports the criterion true and
// none reports it false.
func reported(name string, ev Evidence) bool {
	seen := false
	for _, res := range ev.Results {
		val, ok := res.Criteria[name]
		if !ok {
			continue
		}
		if !val {
			return false
		}
		seen = true
	}
	return seen
}

func allItemsCompleted(_ context.Context, ph plan.Phase, ev Evidence) (bool, error) {
	if len(ev.Items) != len(ph.WorkItems) {
		return false, nil
	}
	for _, item := range ev.Items {
		if item.Status != plan.ItemCompleted {
			return false, nil
		}
	}
	return true, nil
}

func noFailedItems(_ context.Context, _ plan.Phase, ev Evidence) (bool, error) {
	for _, item := range ev.Items {
		if item.Status == plan.ItemFailed {
			return false, nil
		}
	}
	for _, res := range ev.Results {
		if !res.Succeeded() {
			return false, nil
		}
	}
	return true, nil
}
