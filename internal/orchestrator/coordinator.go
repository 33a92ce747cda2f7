package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/classify"
	"github.com/fyrsmithlabs/phasegate/internal/delegation"
	"github.com/fyrsmithlabs/phasegate/internal/dispatch"
	"github.com/fyrsmithlabs/phasegate/internal/events"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
	"github.com/fyrsmithlabs/phasegate/internal/reflection"
	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/phasegate/internal/orchestrator"

// Defaults for the coordinator loop.
const (
	DefaultDrainTimeout    = 30 * time.Second
	DefaultYellowRemaining = 0.3

	slotRetryInterval = 10 * time.Millisecond
)

// Coordinator drives a plan to completion, suspension, or a blocking
// failure. A Coordinator runs one plan at a time.
type Coordinator struct {
	pool        *worker.Pool
	store       *checkpoint.Store
	router      *delegation.Router
	classifier  *classify.Classifier
	meter       *budget.Meter
	validator   *gate.Validator
	synthesizer *reflection.Synthesizer
	dispatcher  *dispatch.Dispatcher
	publisher   events.Publisher

	drainTimeout    time.Duration
	yellowRemaining float64
	autoSplit       bool

	logger   *zap.Logger
	tracer   trace.Tracer
	progress ProgressCallback

	// checkpointReq holds at most one pending operator checkpoint request.
	checkpointReq chan struct{}

	// run is the active run; only the coordinator goroutine touches it.
	run *runState
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRouter replaces the default delegation router.
func WithRouter(r *delegation.Router) Option {
	return func(c *Coordinator) { c.router = r }
}

// WithClassifier replaces the default classifier.
func WithClassifier(cl *classify.Classifier) Option {
	return func(c *Coordinator) { c.classifier = cl }
}

// WithMeter replaces the default budget meter.
func WithMeter(m *budget.Meter) Option {
	return func(c *Coordinator) { c.meter = m }
}

// WithValidator replaces the default gate validator.
func WithValidator(v *gate.Validator) Option {
	return func(c *Coordinator) { c.validator = v }
}

// WithSynthesizer replaces the default reflection synthesizer.
func WithSynthesizer(s *reflection.Synthesizer) Option {
	return func(c *Coordinator) { c.synthesizer = s }
}

// WithDispatcher replaces the default dispatcher.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(c *Coordinator) { c.dispatcher = d }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithDrainTimeout bounds how long in-flight items may run once a
// checkpoint or cancellation has been requested.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// WithYellowCheckpointRemaining sets the outstanding-item fraction above
// which entering Yellow writes a proactive checkpoint.
func WithYellowCheckpointRemaining(f float64) Option {
	return func(c *Coordinator) { c.yellowRemaining = f }
}

// WithAutoSplit splits oversized phases at load time instead of failing.
func WithAutoSplit(enabled bool) Option {
	return func(c *Coordinator) { c.autoSplit = enabled }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New creates a coordinator. Components not supplied by options are built
// with their defaults over pool.
func New(pool *worker.Pool, store *checkpoint.Store, opts ...Option) (*Coordinator, error) {
	if pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}

	c := &Coordinator{
		pool:            pool,
		store:           store,
		publisher:       events.Nop{},
		drainTimeout:    DefaultDrainTimeout,
		yellowRemaining: DefaultYellowRemaining,
		logger:          zap.NewNop(),
		tracer:          otel.Tracer(InstrumentationName),
		checkpointReq:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.router == nil {
		c.router = delegation.NewRouter(nil, nil, pool, delegation.WithLogger(c.logger.Named("delegation")))
	}
	if c.classifier == nil {
		c.classifier = classify.New(classify.DefaultConfig())
	}
	if c.meter == nil {
		c.meter = budget.NewMeter(nil, budget.WithLogger(c.logger.Named("budget")))
	}
	if c.validator == nil {
		c.validator = gate.NewValidator(gate.WithLogger(c.logger.Named("gate")))
	}
	if c.synthesizer == nil {
		c.synthesizer = reflection.NewSynthesizer()
	}
	if c.dispatcher == nil {
		c.dispatcher = dispatch.New(pool, dispatch.DefaultMaxConcurrent, dispatch.WithLogger(c.logger.Named("dispatch")))
	}

	c.meter.OnEvent(c.onBudgetEvent)
	return c, nil
}

// OnProgress sets the progress callback.
func (c *Coordinator) OnProgress(callback ProgressCallback) {
	c.progress = callback
}

// Meter returns the budget meter.
func (c *Coordinator) Meter() *budget.Meter {
	return c.meter
}

// RequestCheckpoint asks the active phase to drain in-flight items and write
// a manual checkpoint, then carry on. It is safe from any goroutine. Requests
// made while one is already pending are coalesced and report false.
func (c *Coordinator) RequestCheckpoint() bool {
	select {
	case c.checkpointReq <- struct{}{}:
		c.logger.Info("checkpoint requested")
		return true
	default:
		return false
	}
}

// Store returns the checkpoint store.
func (c *Coordinator) Store() *checkpoint.Store {
	return c.store
}

// Run executes p from the beginning under a fresh run ID.
func (c *Coordinator) Run(ctx context.Context, p *plan.Plan) *Report {
	p, err := c.prepare(p)
	if err != nil {
		return failedReport(err)
	}
	registry, err := plan.NewRegistry(p)
	if err != nil {
		return failedReport(err)
	}
	return c.execute(ctx, newRunState(uuid.New().String(), p, registry))
}

// ResumeOptions controls Resume.
type ResumeOptions struct {
	// Force allows resuming a cancelled run.
	Force bool
	// Plan overrides loading the plan from the checkpoint's plan path.
	Plan *plan.Plan
}

// Resume continues a run from a checkpoint. The checkpoint is checked
// against the plan before it is consumed, so a plan mismatch leaves it
// resumable.
func (c *Coordinator) Resume(ctx context.Context, id string, opts ResumeOptions) *Report {
	cp, err := c.store.Get(id)
	if err != nil {
		return failedReport(err)
	}

	p := opts.Plan
	if p == nil {
		if cp.PlanPath == "" {
			return failedReport(fmt.Errorf("checkpoint %s does not record a plan path", cp.ID))
		}
		if p, err = plan.Load(cp.PlanPath); err != nil {
			return failedReport(err)
		}
	}
	if p, err = c.prepare(p); err != nil {
		return failedReport(err)
	}

	ph, ok := p.Phase(cp.PhaseID)
	if !ok {
		return failedReport(fmt.Errorf("checkpoint %s: %w: phase %s", cp.ID, plan.ErrPhaseNotFound, cp.PhaseID))
	}
	if err := checkpoint.ValidatePartition(ph.ItemIDs(), cp.CompletedItemIDs, cp.InProgressItem, cp.RemainingItemIDs); err != nil {
		return failedReport(fmt.Errorf("checkpoint %s does not match plan: %w", cp.ID, err))
	}

	registry, err := plan.NewRegistry(p)
	if err != nil {
		return failedReport(err)
	}
	statuses := make(map[string]plan.Status, len(cp.CompletedPhases))
	for _, id := range cp.CompletedPhases {
		statuses[id] = plan.StatusComplete
	}
	if err := registry.Restore(statuses); err != nil {
		return failedReport(fmt.Errorf("checkpoint %s: %w", cp.ID, err))
	}

	cp, err = c.store.Restore(ctx, cp.ID, checkpoint.RestoreOptions{Force: opts.Force})
	if err != nil {
		return failedReport(err)
	}

	runID := cp.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	st := newRunState(runID, p, registry)
	st.collector = reflection.NewCollector(cp.Reflections...)
	st.latestCheckpoint = cp.ID
	for _, id := range cp.CompletedPhases {
		done, _ := p.Phase(id)
		for _, itemID := range done.ItemIDs() {
			st.markCompleted(id, itemID)
		}
	}
	st.resume[cp.PhaseID] = cp

	c.logger.Info("resuming run",
		zap.String("run_id", runID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("completed_phases", len(cp.CompletedPhases)),
		zap.String("in_progress", cp.InProgressItem),
		zap.Int("remaining", len(cp.RemainingItemIDs)))
	return c.execute(ctx, st)
}

// prepare validates p, applying phase splits when enabled. It never mutates
// the caller's plan.
func (c *Coordinator) prepare(p *plan.Plan) (*plan.Plan, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil plan", plan.ErrInvalidPlan)
	}
	cp := *p
	if cp.ID == "" {
		cp.ID = "plan"
	}
	out := &cp

	if c.autoSplit {
		split, ids, err := c.classifier.SplitPlan(out)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			c.logger.Info("split oversized phase", zap.String("phase_id", id))
		}
		out = split
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) execute(ctx context.Context, st *runState) *Report {
	ctx, span := c.tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", st.id),
		attribute.String("plan.id", st.plan.ID),
		attribute.Int("phases", len(st.plan.Phases)),
	)
	ctx = logging.WithRunID(ctx, st.id)

	c.run = st
	defer func() { c.run = nil }()

	c.publish(ctx, events.New(st.id, events.RunStarted))
	c.saveState(st, checkpoint.RunRunning, "")

	status := c.loop(ctx, st)

	if status == "" {
		if st.registry.Counts()[plan.StatusComplete] == len(st.plan.Phases) {
			status = checkpoint.RunComplete
		} else {
			status = checkpoint.RunBlocked
		}
	}

	report := st.report
	report.RunID = st.id
	report.PlanID = st.plan.ID
	report.Status = status
	report.Phases = st.registry.Snapshot()
	report.Budget = c.meter.Counters()
	report.Zone = c.meter.Zone()
	for _, ph := range st.plan.Phases {
		report.Completed[ph.ID] = st.completedIDs(ph)
	}

	st.phase = ""
	c.saveState(st, status, st.message)
	finished := events.New(st.id, events.RunFinished)
	finished.Message = string(status)
	c.publish(ctx, finished)

	span.SetAttributes(attribute.String("run.status", string(status)))
	if status != checkpoint.RunComplete {
		span.SetStatus(codes.Error, string(status))
	}
	c.logger.Info("run finished",
		zap.String("run_id", st.id),
		zap.String("status", string(status)),
		zap.Int("exit_code", report.ExitCode()))
	return report
}

// loop activates ready phases until nothing is ready. It returns a non-empty
// status when the run stops early.
func (c *Coordinator) loop(ctx context.Context, st *runState) checkpoint.RunStatus {
	for {
		ready := st.registry.NextReady()
		if len(ready) == 0 {
			return ""
		}
		if ctx.Err() != nil {
			c.cancelPending(ctx, st, ready[0])
			return checkpoint.RunCancelled
		}

		switch c.runPhase(ctx, st, ready[0]) {
		case phaseSuspended:
			return checkpoint.RunSuspended
		case phaseCancelled:
			return checkpoint.RunCancelled
		case phaseInvalid:
			return checkpoint.RunFailed
		}
	}
}

// cancelPending records a cancelled checkpoint for a phase that was about to
// start, so the run can be resumed with an operator override.
func (c *Coordinator) cancelPending(ctx context.Context, st *runState, ph plan.Phase) {
	r := newPhaseRun(c, st, ph)
	r.snapshot(ctx, checkpoint.ReasonCancelled, "", "cancelled before phase start")
	if err := st.registry.Cancel(ph.ID, "cancelled"); err != nil {
		c.logger.Warn("failed to cancel phase", zap.String("phase_id", ph.ID), zap.Error(err))
	}
	st.message = "cancelled before " + ph.ID
	e := events.New(st.id, events.PhaseCancelled)
	e.PhaseID = ph.ID
	c.publish(ctx, e)
}

func (c *Coordinator) onBudgetEvent(ev budget.Event) {
	st := c.run
	if st == nil {
		return
	}
	kind := events.BudgetYellow
	if ev.Kind == budget.EnteredRed {
		kind = events.BudgetRed
	}
	e := events.New(st.id, kind)
	e.PhaseID = st.phase
	e.Message = string(ev.Dimension)
	e.Data = map[string]any{
		"directOperations": ev.Counters.DirectOperations,
		"largeReads":       ev.Counters.LargeReads,
		"delegations":      ev.Counters.Delegations,
	}
	c.publish(context.Background(), e)
}

func (c *Coordinator) publish(ctx context.Context, e events.Event) {
	if err := c.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn("failed to publish event",
			zap.String("kind", string(e.Kind)),
			zap.String("run_id", e.RunID),
			zap.Error(err))
	}
}

func (c *Coordinator) notify(p Progress) {
	if c.progress != nil {
		c.progress(p)
	}
}
