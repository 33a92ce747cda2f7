package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/delegation"
	"github.com/fyrsmithlabs/phasegate/internal/dispatch"
	"github.com/fyrsmithlabs/phasegate/internal/events"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
	"github.com/fyrsmithlabs/phasegate/internal/reflection"
	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

type phaseResult int

const (
	phaseComplete phaseResult = iota
	phaseBlocked
	phaseSuspended
	phaseCancelled
	phaseInvalid
)

type halt int

const (
	haltNone halt = iota
	haltRed
	haltBlocked
	haltCancelled
)

// phaseRun tracks one activation of a phase.
type phaseRun struct {
	c     *Coordinator
	st    *runState
	phase plan.Phase
	byID  map[string]plan.WorkItem

	status  map[string]plan.ItemStatus
	results map[string]worker.Result
	queue   []string

	batch  *dispatch.Batch
	halt   halt
	yellow bool
	manual bool

	failedItem string
	diagnostic string
}

func newPhaseRun(c *Coordinator, st *runState, ph plan.Phase) *phaseRun {
	r := &phaseRun{
		c:       c,
		st:      st,
		phase:   ph,
		byID:    make(map[string]plan.WorkItem, len(ph.WorkItems)),
		status:  make(map[string]plan.ItemStatus, len(ph.WorkItems)),
		results: make(map[string]worker.Result),
	}
	for _, item := range ph.WorkItems {
		r.byID[item.ID] = item
		r.status[item.ID] = plan.ItemPending
		r.queue = append(r.queue, item.ID)
	}

	if cp, ok := st.resume[ph.ID]; ok {
		for _, id := range cp.CompletedItemIDs {
			r.status[id] = plan.ItemCompleted
			r.results[id] = worker.Result{ItemID: id, Status: worker.StatusSuccess, Criteria: cp.ItemCriteria[id]}
			st.markCompleted(ph.ID, id)
		}
		r.queue = r.queue[:0]
		if cp.InProgressItem != "" {
			r.queue = append(r.queue, cp.InProgressItem)
		}
		r.queue = append(r.queue, cp.RemainingItemIDs...)
	}
	return r
}

func (c *Coordinator) runPhase(ctx context.Context, st *runState, ph plan.Phase) phaseResult {
	ctx, span := c.tracer.Start(ctx, "orchestrator.phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("phase.id", ph.ID),
		attribute.Int("items", len(ph.WorkItems)),
	)
	ctx = logging.WithPhaseID(ctx, ph.ID)

	if err := st.registry.Activate(ph.ID); err != nil {
		span.RecordError(err)
		st.report.Err = err
		return phaseInvalid
	}
	c.meter.Reset()
	st.phase = ph.ID

	activated := events.New(st.id, events.PhaseActivated)
	activated.PhaseID = ph.ID
	c.publish(ctx, activated)
	c.saveState(st, checkpoint.RunRunning, "")
	c.logger.Info("phase activated", zap.String("run_id", st.id), zap.String("phase_id", ph.ID))

	ph = c.classifier.ClassifyPhase(ph)
	if err := c.classifier.ValidatePhase(ph); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase too large")
		c.block(ctx, st, BlockedPhase{PhaseID: ph.ID, Reason: err.Error(), Err: err})
		st.report.Err = err
		return phaseInvalid
	}

	routed, err := c.router.RoutePhase(ph)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		b := BlockedPhase{PhaseID: ph.ID, Reason: err.Error(), Diagnostic: err.Error(), Err: err}
		var miss *delegation.NoCapabilityMatchError
		if errors.As(err, &miss) {
			b.FailedItem = miss.ItemID
		}
		c.block(ctx, st, b)
		return phaseBlocked
	}

	r := newPhaseRun(c, st, routed)
	delete(st.resume, ph.ID)
	c.notify(r.progress(plan.StatusActive, "phase activated"))

	switch r.execute(ctx) {
	case haltRed:
		span.SetAttributes(attribute.String("phase.outcome", "suspended"))
		return r.suspend(ctx)
	case haltBlocked:
		span.SetStatus(codes.Error, "work item failed")
		return r.blockOnFailure(ctx)
	case haltCancelled:
		span.SetAttributes(attribute.String("phase.outcome", "cancelled"))
		return r.cancel(ctx)
	}

	res := r.complete(ctx)
	if res != phaseComplete {
		span.SetStatus(codes.Error, "gate failed")
	}
	return res
}

// block marks a phase Blocked and records why.
func (c *Coordinator) block(ctx context.Context, st *runState, b BlockedPhase) {
	if err := st.registry.Block(b.PhaseID, b.Reason); err != nil {
		c.logger.Warn("failed to block phase", zap.String("phase_id", b.PhaseID), zap.Error(err))
	}
	st.report.Blocked = append(st.report.Blocked, b)
	st.message = b.Reason

	e := events.New(st.id, events.PhaseBlocked)
	e.PhaseID = b.PhaseID
	e.ItemID = b.FailedItem
	e.Message = b.Reason
	if len(b.Unmet) > 0 {
		e.Data = map[string]any{"unmet": b.Unmet}
	}
	c.publish(ctx, e)
	c.saveState(st, checkpoint.RunRunning, b.Reason)
	c.notify(Progress{RunID: st.id, PhaseID: b.PhaseID, Status: plan.StatusBlocked, Message: b.Reason, Zone: c.meter.Zone()})
	c.logger.Warn("phase blocked",
		zap.String("run_id", st.id),
		zap.String("phase_id", b.PhaseID),
		zap.String("reason", b.Reason),
		zap.Strings("unmet", b.Unmet),
		zap.String("failed_item", b.FailedItem))
}

// execute dispatches the queue until it is empty or something halts the
// phase. Buffered completions are credited before every new dispatch.
func (r *phaseRun) execute(ctx context.Context) halt {
	r.batch = r.c.dispatcher.NewBatch(context.WithoutCancel(ctx), r.st.id, r.phase.ID)

	for {
		for {
			comp, ok := r.batch.Poll()
			if !ok {
				break
			}
			r.handle(ctx, comp)
		}
		if r.halt != haltNone {
			return r.halt
		}
		select {
		case <-r.c.checkpointReq:
			r.manual = true
		default:
		}
		if r.manual {
			r.manual = false
			r.checkpointAndContinue(ctx, checkpoint.ReasonManual)
			continue
		}
		if r.yellow {
			r.yellow = false
			r.proactive(ctx)
			continue
		}
		if ctx.Err() != nil {
			return haltCancelled
		}

		started := r.dispatchReady()
		if r.halt != haltNone {
			return r.halt
		}

		inflight := len(r.batch.InFlight())
		if len(r.queue) == 0 && inflight == 0 {
			r.batch.Close()
			return haltNone
		}
		if r.yellow && started {
			continue
		}
		if inflight == 0 {
			// Worker slots are still held by items abandoned in an earlier
			// drain; they free up once those items observe cancellation.
			select {
			case <-ctx.Done():
				return haltCancelled
			case <-time.After(slotRetryInterval):
			}
			continue
		}

		comp, ok, err := r.batch.WaitOr(ctx, r.c.checkpointReq)
		if err != nil {
			return haltCancelled
		}
		if !ok {
			r.manual = true
			continue
		}
		r.handle(ctx, comp)
	}
}

// dispatchReady starts queued items while slots are free. Each dispatch
// counts as one delegation.
func (r *phaseRun) dispatchReady() bool {
	started := false
	for len(r.queue) > 0 && r.halt == haltNone && !r.yellow {
		item := r.byID[r.queue[0]]
		ok, err := r.batch.TryDispatch(item)
		if err != nil {
			r.status[item.ID] = plan.ItemFailed
			r.fail(item.ID, err.Error())
			return started
		}
		if !ok {
			return started
		}
		r.queue = r.queue[1:]
		r.status[item.ID] = plan.ItemDispatched
		started = true
		r.record(budget.Delegations, 1)
	}
	return started
}

func (r *phaseRun) fail(itemID, diagnostic string) {
	if r.failedItem == "" {
		r.failedItem = itemID
		r.diagnostic = diagnostic
	}
	r.halt = haltBlocked
}

// handle credits one completion to the budget, the reflection log, and the
// item status.
func (r *phaseRun) handle(ctx context.Context, comp dispatch.Completion) {
	if comp.Attempts > 1 {
		r.record(budget.Delegations, int64(comp.Attempts-1))
	}
	r.record(budget.DirectOperations, comp.Result.Usage.DirectOperations)
	r.record(budget.LargeReads, comp.Result.Usage.LargeReads)

	id := comp.ItemID
	switch {
	case comp.Cancelled():
		r.status[id] = plan.ItemPending
		return
	case comp.Failed():
		r.status[id] = plan.ItemFailed
		r.results[id] = comp.Result
		r.addReflection(comp, reflection.OutcomeFailure)
		diag := comp.Err.Error()
		var wf *worker.WorkerFailure
		if errors.As(comp.Err, &wf) && wf.Diagnostic != "" {
			diag = wf.Diagnostic
		}
		r.fail(id, diag)

		e := events.New(r.st.id, events.ItemFailed)
		e.PhaseID = r.phase.ID
		e.ItemID = id
		e.Message = comp.Result.Diagnostic
		r.c.publish(ctx, e)
		return
	}

	r.status[id] = plan.ItemCompleted
	r.results[id] = comp.Result
	r.st.markCompleted(r.phase.ID, id)
	r.addReflection(comp, reflection.OutcomeSuccess)

	e := events.New(r.st.id, events.ItemCompleted)
	e.PhaseID = r.phase.ID
	e.ItemID = id
	e.Data = map[string]any{"workerId": comp.WorkerID, "attempts": comp.Attempts}
	r.c.publish(ctx, e)
	r.c.notify(r.progress(plan.StatusActive, "completed "+id))
}

func (r *phaseRun) addReflection(comp dispatch.Completion, fallback string) {
	ref := comp.Result.Reflection
	outcome := ref.Outcome
	if outcome == "" {
		outcome = fallback
	}
	r.st.collector.Add(reflection.Record{
		PhaseID:         r.phase.ID,
		ItemID:          comp.ItemID,
		WorkerID:        comp.WorkerID,
		Outcome:         outcome,
		Notes:           ref.Notes,
		Recommendations: ref.Recommendations,
	})
}

// record adds usage to the meter and notes zone crossings.
func (r *phaseRun) record(d budget.Dimension, delta int64) {
	if delta == 0 {
		return
	}
	_, before, after, err := r.c.meter.Record(d, delta)
	if err != nil {
		r.c.logger.Warn("ignoring usage report",
			zap.String("phase_id", r.phase.ID),
			zap.String("dimension", string(d)),
			zap.Int64("delta", delta),
			zap.Error(err))
		return
	}
	switch {
	case after == budget.Red:
		if r.halt == haltNone {
			r.halt = haltRed
		}
	case before == budget.Green && after == budget.Yellow:
		r.yellow = true
	}
}

// quiesce stops dispatching and waits for in-flight items. It returns the
// IDs of items abandoned at the drain timeout.
func (r *phaseRun) quiesce(ctx context.Context) []string {
	done, unfinished := r.batch.Drain(r.c.drainTimeout)
	for _, comp := range done {
		r.handle(ctx, comp)
	}
	ids := make([]string, 0, len(unfinished))
	for _, item := range unfinished {
		r.status[item.ID] = plan.ItemPending
		ids = append(ids, item.ID)
	}
	return ids
}

// proactive writes a Yellow checkpoint when enough of the phase remains,
// then continues with a fresh batch.
func (r *phaseRun) proactive(ctx context.Context) {
	total := len(r.phase.WorkItems)
	if total == 0 {
		return
	}
	outstanding := total - len(r.st.completed[r.phase.ID])
	if float64(outstanding)/float64(total) <= r.c.yellowRemaining {
		return
	}

	r.checkpointAndContinue(ctx, checkpoint.ReasonProactive)
}

// checkpointAndContinue drains in-flight work, writes a checkpoint the run
// does not stop at, and resumes dispatching on a fresh batch. No checkpoint
// is written if the drain halted the phase; the halt path writes its own.
func (r *phaseRun) checkpointAndContinue(ctx context.Context, reason checkpoint.Reason) {
	unfinished := r.quiesce(ctx)
	if r.halt == haltNone {
		r.snapshot(ctx, reason, first(unfinished, r.phase), "")
	}
	r.requeue(unfinished)
	r.batch = r.c.dispatcher.NewBatch(context.WithoutCancel(ctx), r.st.id, r.phase.ID)
}

// requeue puts abandoned items back at the front of the queue in
// declaration order.
func (r *phaseRun) requeue(ids []string) {
	if len(ids) == 0 {
		return
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	var front []string
	for _, item := range r.phase.WorkItems {
		if set[item.ID] {
			front = append(front, item.ID)
		}
	}
	r.queue = append(front, r.queue...)
}

func (r *phaseRun) suspend(ctx context.Context) phaseResult {
	unfinished := r.quiesce(ctx)
	inProgress := r.failedItem
	if inProgress == "" {
		inProgress = first(unfinished, r.phase)
	}
	cp := r.snapshot(ctx, checkpoint.ReasonRed, inProgress, "")
	if err := r.st.registry.Suspend(r.phase.ID); err != nil {
		r.c.logger.Warn("failed to suspend phase", zap.String("phase_id", r.phase.ID), zap.Error(err))
	}

	msg := "budget exhausted"
	if cp != nil {
		msg = fmt.Sprintf("budget exhausted; resume with checkpoint %s", cp.ID)
	}
	r.st.message = msg
	e := events.New(r.st.id, events.PhaseSuspended)
	e.PhaseID = r.phase.ID
	e.Message = msg
	if cp != nil {
		e.CheckpointID = cp.ID
	}
	r.c.publish(ctx, e)
	r.c.notify(r.progress(plan.StatusPending, msg))
	return phaseSuspended
}

func (r *phaseRun) blockOnFailure(ctx context.Context) phaseResult {
	r.quiesce(ctx)
	reason := fmt.Sprintf("work item %s failed: %s", r.failedItem, r.diagnostic)
	r.snapshot(ctx, checkpoint.ReasonBlocked, r.failedItem, reason)
	r.c.block(ctx, r.st, BlockedPhase{
		PhaseID:    r.phase.ID,
		Reason:     reason,
		FailedItem: r.failedItem,
		Diagnostic: r.diagnostic,
	})
	return phaseBlocked
}

func (r *phaseRun) cancel(ctx context.Context) phaseResult {
	unfinished := r.quiesce(ctx)
	inProgress := r.failedItem
	if inProgress == "" {
		inProgress = first(unfinished, r.phase)
	}
	r.snapshot(ctx, checkpoint.ReasonCancelled, inProgress, "cancelled by operator")
	if err := r.st.registry.Cancel(r.phase.ID, "cancelled"); err != nil {
		r.c.logger.Warn("failed to cancel phase", zap.String("phase_id", r.phase.ID), zap.Error(err))
	}
	r.st.message = "cancelled during " + r.phase.ID

	e := events.New(r.st.id, events.PhaseCancelled)
	e.PhaseID = r.phase.ID
	r.c.publish(ctx, e)
	return phaseCancelled
}

// complete evaluates the gate and completes the phase when it passes.
func (r *phaseRun) complete(ctx context.Context) phaseResult {
	ev := gate.Evidence{Results: r.results}
	for _, item := range r.phase.WorkItems {
		item.Status = r.status[item.ID]
		ev.Items = append(ev.Items, item)
	}

	report := r.c.validator.Evaluate(ctx, r.phase, ev)
	if err := r.st.registry.MarkComplete(r.phase.ID, report); err != nil {
		var failure *plan.PhaseGateFailure
		if !errors.As(err, &failure) {
			r.st.report.Err = err
			return phaseInvalid
		}
		r.st.report.Blocked = append(r.st.report.Blocked, BlockedPhase{
			PhaseID: r.phase.ID,
			Reason:  failure.Error(),
			Unmet:   failure.Unmet,
			Err:     failure,
		})
		r.st.message = failure.Error()

		e := events.New(r.st.id, events.PhaseBlocked)
		e.PhaseID = r.phase.ID
		e.Message = failure.Error()
		e.Data = map[string]any{"unmet": failure.Unmet}
		r.c.publish(ctx, e)
		r.c.saveState(r.st, checkpoint.RunRunning, failure.Error())
		r.c.notify(r.progress(plan.StatusBlocked, failure.Error()))
		r.c.logger.Warn("phase gate failed",
			zap.String("phase_id", r.phase.ID),
			zap.Strings("unmet", failure.Unmet))
		return phaseBlocked
	}

	r.supersede(ctx)

	syn := r.c.synthesizer.Synthesize(r.phase.ID, r.st.collector.ForPhase(r.phase.ID))
	r.st.report.Syntheses = append(r.st.report.Syntheses, syn)
	if _, err := r.c.store.SaveSynthesis(r.st.plan.ID, syn); err != nil {
		r.c.logger.Warn("failed to save synthesis", zap.String("phase_id", r.phase.ID), zap.Error(err))
	}

	e := events.New(r.st.id, events.PhaseCompleted)
	e.PhaseID = r.phase.ID
	e.Data = map[string]any{"met": report.Met, "recommendations": len(syn.Ranked)}
	r.c.publish(ctx, e)
	r.c.saveState(r.st, checkpoint.RunRunning, "")
	r.c.notify(r.progress(plan.StatusComplete, "phase complete"))
	r.c.logger.Info("phase complete",
		zap.String("run_id", r.st.id),
		zap.String("phase_id", r.phase.ID),
		zap.Strings("met", report.Met))
	return phaseComplete
}

// supersede archives the phase's remaining checkpoints once it is Complete so
// none of them can restart finished work.
func (r *phaseRun) supersede(ctx context.Context) {
	ids, err := r.c.store.Supersede(context.WithoutCancel(ctx), r.phase.ID)
	if err != nil {
		r.c.logger.Warn("failed to supersede checkpoints",
			zap.String("phase_id", r.phase.ID),
			zap.Error(err))
	}
	if r.st.report.Checkpoint != nil && slices.Contains(ids, r.st.report.Checkpoint.ID) {
		r.st.report.Checkpoint = nil
	}
	if slices.Contains(ids, r.st.latestCheckpoint) {
		r.st.latestCheckpoint = ""
	}
}

// snapshot writes a checkpoint for the phase. inProgress, when set, is the
// single item to re-dispatch first on resume; every other unfinished item is
// remaining, in declaration order.
func (r *phaseRun) snapshot(ctx context.Context, reason checkpoint.Reason, inProgress, detail string) *checkpoint.Checkpoint {
	completed := r.st.completedIDs(r.phase)
	criteria := make(map[string]map[string]bool)
	for _, id := range completed {
		if c := r.results[id].Criteria; len(c) > 0 {
			criteria[id] = c
		}
	}
	var remaining []string
	for _, id := range r.phase.ItemIDs() {
		if r.st.completed[r.phase.ID][id] || id == inProgress {
			continue
		}
		remaining = append(remaining, id)
	}

	cp, err := r.c.store.Snapshot(context.WithoutCancel(ctx), checkpoint.SnapshotRequest{
		PhaseID:          r.phase.ID,
		ItemIDs:          r.phase.ItemIDs(),
		CompletedItemIDs: completed,
		InProgressItem:   inProgress,
		RemainingItemIDs: remaining,
		BudgetCounters:   r.c.meter.Counters(),
		Zone:             r.c.meter.Zone(),
		Reason:           reason,
		RunID:            r.st.id,
		PlanID:           r.st.plan.ID,
		PlanPath:         r.st.plan.Source,
		CompletedPhases:  r.st.completedPhases(),
		Reflections:      r.st.collector.Records(),
		ItemCriteria:     criteria,
		Detail:           detail,
	})
	if err != nil {
		r.c.logger.Error("failed to write checkpoint",
			zap.String("phase_id", r.phase.ID),
			zap.String("reason", string(reason)),
			zap.Error(err))
		r.st.report.Err = errors.Join(r.st.report.Err, err)
		return nil
	}

	r.st.latestCheckpoint = cp.ID
	r.st.report.Checkpoint = cp
	e := events.New(r.st.id, events.CheckpointWritten)
	e.PhaseID = r.phase.ID
	e.CheckpointID = cp.ID
	e.Message = string(reason)
	r.c.publish(ctx, e)
	r.c.saveState(r.st, checkpoint.RunRunning, "")
	return cp
}

func (r *phaseRun) progress(status plan.Status, msg string) Progress {
	return Progress{
		RunID:     r.st.id,
		PhaseID:   r.phase.ID,
		Status:    status,
		Message:   msg,
		Completed: len(r.st.completed[r.phase.ID]),
		Total:     len(r.phase.WorkItems),
		Zone:      r.c.meter.Zone(),
	}
}

// first returns the earliest of ids in the phase's declaration order.
func first(ids []string, ph plan.Phase) string {
	if len(ids) == 0 {
		return ""
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for _, id := range ph.ItemIDs() {
		if set[id] {
			return id
		}
	}
	return ""
}
