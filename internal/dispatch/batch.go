package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/plan"
	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

// Batch is the set of items dispatched for one phase. All methods except
// InFlight must be called from the coordinator goroutine.
type Batch struct {
	d       *Dispatcher
	runID   string
	phaseID string

	ctx    context.Context
	cancel context.CancelFunc

	completions chan Completion
	abandoned   chan struct{}
	abandonOnce sync.Once

	mu       sync.Mutex
	inflight map[string]plan.WorkItem
	order    []string
	closed   bool
}

// NewBatch starts a batch for a phase. Cancelling ctx cancels every item.
func (d *Dispatcher) NewBatch(ctx context.Context, runID, phaseID string) *Batch {
	ctx, cancel := context.WithCancel(ctx)
	return &Batch{
		d:           d,
		runID:       runID,
		phaseID:     phaseID,
		ctx:         ctx,
		cancel:      cancel,
		completions: make(chan Completion, cap(d.global)),
		abandoned:   make(chan struct{}),
		inflight:    make(map[string]plan.WorkItem),
	}
}

// TryDispatch starts item on a worker advertising item.Capability if a
// global slot and a worker slot are free. It reports false without blocking
// when no slot is available.
func (b *Batch) TryDispatch(item plan.WorkItem) (bool, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, ErrBatchClosed
	}
	if _, dup := b.inflight[item.ID]; dup {
		b.mu.Unlock()
		return false, fmt.Errorf("work item %s is already in flight", item.ID)
	}
	b.mu.Unlock()

	w, release, err := b.d.claim(item.Capability)
	if err != nil {
		return false, fmt.Errorf("work item %s: %w %q", item.ID, err, item.Capability)
	}
	if w == nil {
		return false, nil
	}

	b.mu.Lock()
	b.inflight[item.ID] = item
	b.order = append(b.order, item.ID)
	b.mu.Unlock()

	b.d.logger.Debug("dispatching work item",
		zap.String("phase_id", b.phaseID),
		zap.String("item_id", item.ID),
		zap.String("worker_id", w.ID()),
		zap.String("capability", item.Capability))

	go b.run(item, w, release)
	return true, nil
}

func (b *Batch) run(item plan.WorkItem, w worker.Worker, release func()) {
	defer release()

	start := time.Now()
	b.d.metrics.started(b.ctx, item.Capability)
	c := b.execute(item, w)
	c.Duration = time.Since(start)

	status := "success"
	switch {
	case c.Failed():
		status = "failure"
	case c.Cancelled():
		status = "cancelled"
	}
	b.d.metrics.finished(context.WithoutCancel(b.ctx), item.Capability, status, c.Duration)

	select {
	case b.completions <- c:
	case <-b.abandoned:
		b.d.logger.Debug("dropping late result",
			zap.String("phase_id", b.phaseID),
			zap.String("item_id", item.ID))
	}
}

// execute applies the retry policy: one automatic retry for a transient
// failure, none for anything else.
func (b *Batch) execute(item plan.WorkItem, w worker.Worker) Completion {
	c := Completion{ItemID: item.ID, WorkerID: w.ID()}

	for attempt := 1; attempt <= 2; attempt++ {
		if b.d.limiter != nil {
			if err := b.d.limiter.Wait(b.ctx); err != nil {
				c.Err = b.ctxErr(err)
				return c
			}
		}
		if err := b.ctx.Err(); err != nil {
			c.Err = err
			return c
		}

		c.Attempts = attempt
		res, err := b.attempt(item, w, attempt)

		if err == nil && res.Succeeded() {
			c.Result = res
			return c
		}
		if b.ctx.Err() != nil {
			c.Result = res
			c.Err = b.ctx.Err()
			return c
		}

		transient := worker.IsTransient(err) || (err == nil && res.Transient)
		diag := res.Diagnostic
		if err != nil {
			diag = err.Error()
			res = worker.Result{ItemID: item.ID, WorkerID: w.ID(), Status: worker.StatusFailure, Transient: transient, Diagnostic: diag}
		}
		c.Result = res

		if transient && attempt == 1 {
			b.d.metrics.retried(b.ctx, item.Capability)
			b.d.logger.Warn("transient failure, retrying once",
				zap.String("phase_id", b.phaseID),
				zap.String("item_id", item.ID),
				zap.String("worker_id", w.ID()),
				zap.String("diagnostic", diag))
			continue
		}

		c.Err = &worker.WorkerFailure{
			ItemID:     item.ID,
			WorkerID:   w.ID(),
			Transient:  transient,
			Attempts:   attempt,
			Diagnostic: diag,
		}
		return c
	}
	return c
}

func (b *Batch) ctxErr(err error) error {
	if b.ctx.Err() != nil {
		return b.ctx.Err()
	}
	return err
}

func (b *Batch) attempt(item plan.WorkItem, w worker.Worker, attempt int) (worker.Result, error) {
	ctx, span := b.d.tracer.Start(b.ctx, "dispatch.item")
	defer span.End()

	span.SetAttributes(
		attribute.String("phase.id", b.phaseID),
		attribute.String("item.id", item.ID),
		attribute.String("worker.id", w.ID()),
		attribute.String("capability", item.Capability),
		attribute.Int("attempt", attempt),
	)

	res, err := w.Execute(ctx, worker.Request{
		RunID:   b.runID,
		PhaseID: b.phaseID,
		Attempt: attempt,
		Item:    item,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	if res.ItemID != "" && res.ItemID != item.ID {
		b.d.logger.Warn("worker reported a different item id; crediting dispatched item",
			zap.String("item_id", item.ID),
			zap.String("reported_item_id", res.ItemID))
	}
	res.ItemID = item.ID
	if res.WorkerID == "" {
		res.WorkerID = w.ID()
	}
	if !res.Succeeded() {
		span.SetStatus(codes.Error, res.Diagnostic)
	}
	return res, nil
}

func (b *Batch) received(c Completion) Completion {
	b.mu.Lock()
	delete(b.inflight, c.ItemID)
	b.order = slices.DeleteFunc(b.order, func(id string) bool { return id == c.ItemID })
	b.mu.Unlock()
	return c
}

// Poll returns a buffered completion without blocking.
func (b *Batch) Poll() (Completion, bool) {
	select {
	case c := <-b.completions:
		return b.received(c), true
	default:
		return Completion{}, false
	}
}

// Wait blocks for the next completion. It returns ctx.Err() if ctx ends
// first.
func (b *Batch) Wait(ctx context.Context) (Completion, error) {
	c, _, err := b.WaitOr(ctx, nil)
	return c, err
}

// WaitOr is Wait that also returns early, with ok false, when interrupt
// delivers first. A nil interrupt never fires.
func (b *Batch) WaitOr(ctx context.Context, interrupt <-chan struct{}) (Completion, bool, error) {
	select {
	case c := <-b.completions:
		return b.received(c), true, nil
	case <-interrupt:
		return Completion{}, false, nil
	case <-ctx.Done():
		return Completion{}, false, ctx.Err()
	}
}

// InFlight returns the IDs of dispatched items whose completion has not been
// received, in dispatch order.
func (b *Batch) InFlight() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.order)
}

// Drain stops accepting dispatches and collects completions until nothing
// is in flight or timeout passes. Items still running at the deadline are
// returned as unfinished, in dispatch order, and their contexts are
// cancelled; their late results are discarded.
func (b *Batch) Drain(timeout time.Duration) ([]Completion, []plan.WorkItem) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	var done []Completion
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(b.InFlight()) > 0 {
		select {
		case c := <-b.completions:
			done = append(done, b.received(c))
		case <-timer.C:
			return done, b.abandon()
		}
	}
	return done, nil
}

func (b *Batch) abandon() []plan.WorkItem {
	b.mu.Lock()
	unfinished := make([]plan.WorkItem, 0, len(b.order))
	for _, id := range b.order {
		unfinished = append(unfinished, b.inflight[id])
	}
	b.inflight = make(map[string]plan.WorkItem)
	b.order = nil
	b.mu.Unlock()

	if len(unfinished) > 0 {
		ids := make([]string, len(unfinished))
		for i, item := range unfinished {
			ids[i] = item.ID
		}
		b.d.logger.Warn("drain timeout; abandoning in-flight items",
			zap.String("phase_id", b.phaseID),
			zap.Strings("item_ids", ids))
	}
	b.Close()
	return unfinished
}

// Close cancels outstanding items and discards any later results.
func (b *Batch) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.abandonOnce.Do(func() { close(b.abandoned) })
}
