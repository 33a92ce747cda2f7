// Package dispatch executes routed work items against capability-matched
// workers with bounded concurrency.
//
// A Dispatcher owns the global concurrency limit and per-worker slots. Each
// phase gets a Batch: the coordinator offers items with TryDispatch, drains
// results with Poll or Wait in completion order, and calls Drain before a
// checkpoint so nothing is mid-dispatch when the snapshot is taken.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

// DefaultMaxConcurrent is the default global in-flight limit.
const DefaultMaxConcurrent = 10

// Dispatch errors.
var (
	ErrNoWorker    = errors.New("no worker advertises capability")
	ErrBatchClosed = errors.New("batch is draining or closed")
)

// Dispatcher runs items on workers from a pool.
type Dispatcher struct {
	pool    *worker.Pool
	global  chan struct{}
	slotsMu sync.Mutex
	slots   map[string]chan struct{}
	limiter *rate.Limiter

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the dispatcher metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithRateLimit throttles execution starts to perSecond with the given
// burst. perSecond <= 0 disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// New creates a dispatcher with at most maxConcurrent items in flight.
func New(pool *worker.Pool, maxConcurrent int, opts ...Option) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	d := &Dispatcher{
		pool:   pool,
		global: make(chan struct{}, maxConcurrent),
		slots:  make(map[string]chan struct{}),
		logger: zap.NewNop(),
		tracer: otel.Tracer(InstrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MaxConcurrent returns the global in-flight limit.
func (d *Dispatcher) MaxConcurrent() int {
	return cap(d.global)
}

// InFlight returns the number of items currently holding a global slot.
func (d *Dispatcher) InFlight() int {
	return len(d.global)
}

// claim takes a global slot and a slot on the first matching worker with
// room, without blocking. The returned release frees both.
func (d *Dispatcher) claim(capability string) (worker.Worker, func(), error) {
	candidates := d.pool.Match(capability)
	if len(candidates) == 0 {
		return nil, nil, ErrNoWorker
	}

	select {
	case d.global <- struct{}{}:
	default:
		return nil, nil, nil
	}

	for _, w := range candidates {
		slot := d.slot(w)
		select {
		case slot <- struct{}{}:
			return w, func() {
				<-slot
				<-d.global
			}, nil
		default:
		}
	}

	<-d.global
	return nil, nil, nil
}

func (d *Dispatcher) slot(w worker.Worker) chan struct{} {
	d.slotsMu.Lock()
	defer d.slotsMu.Unlock()
	s, ok := d.slots[w.ID()]
	if !ok {
		s = make(chan struct{}, max(w.Concurrency(), 1))
		d.slots[w.ID()] = s
	}
	return s
}

// Completion is the outcome of one dispatched item, attributed to the item
// it was dispatched for regardless of what the worker reported.
type Completion struct {
	ItemID   string
	WorkerID string
	Result   worker.Result
	Attempts int
	Duration time.Duration
	// Err is a *worker.WorkerFailure when the item failed after the retry
	// policy, or the context error when the item was abandoned.
	Err error
}

// Failed reports whether the item failed permanently.
func (c Completion) Failed() bool {
	var wf *worker.WorkerFailure
	return errors.As(c.Err, &wf)
}

// Cancelled reports whether the item was abandoned before finishing.
func (c Completion) Cancelled() bool {
	return c.Err != nil && !c.Failed()
}
