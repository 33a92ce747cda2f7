package budget

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Meter errors.
var (
	ErrUnknownDimension = errors.New("unknown budget dimension")
	ErrNegativeDelta    = errors.New("budget counters never decrease")
)

// EventKind identifies an upward zone crossing.
type EventKind string

const (
	EnteredYellow EventKind = "entered_yellow"
	EnteredRed    EventKind = "entered_red"
)

// Event is emitted once per upward zone crossing.
type Event struct {
	Kind      EventKind `json:"kind"`
	Zone      Zone      `json:"zone"`
	Dimension Dimension `json:"dimension"`
	Counters  Counters  `json:"counters"`
	At        time.Time `json:"at"`
}

// Listener receives zone events. Listeners run on the recording goroutine
// after the meter state is updated.
type Listener func(Event)

// Meter accumulates counters for the active phase. Record is safe for
// concurrent use; counters use atomic adds so racing completions never lose
// updates.
type Meter struct {
	thresholds Thresholds
	counts     [3]atomic.Int64
	zone       atomic.Int32

	mu        sync.RWMutex
	listeners []Listener

	metrics *Metrics
	logger  *zap.Logger
}

// Option configures a Meter.
type Option func(*Meter)

// WithLogger sets the meter logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Meter) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics exports counters and zones to Prometheus.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Meter) {
		m.metrics = metrics
	}
}

// NewMeter creates a meter. A nil thresholds map selects DefaultThresholds.
func NewMeter(t Thresholds, opts ...Option) *Meter {
	if t == nil {
		t = DefaultThresholds()
	}
	m := &Meter{thresholds: t, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent registers a zone event listener.
func (m *Meter) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Thresholds returns the configured thresholds.
func (m *Meter) Thresholds() Thresholds {
	return m.thresholds
}

func index(d Dimension) (int, error) {
	switch d {
	case DirectOperations:
		return 0, nil
	case LargeReads:
		return 1, nil
	case Delegations:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDimension, d)
	}
}

// Record adds delta to a dimension and returns the new counters with the
// zone before and after. A jump across more than one zone emits every
// crossed event in order; staying in a zone emits nothing.
func (m *Meter) Record(d Dimension, delta int64) (Counters, Zone, Zone, error) {
	i, err := index(d)
	if err != nil {
		return Counters{}, Green, Green, err
	}
	if delta < 0 {
		return Counters{}, Green, Green, fmt.Errorf("%w: %s delta %d", ErrNegativeDelta, d, delta)
	}

	m.counts[i].Add(delta)
	counters := m.Counters()
	classified := Classify(counters, m.thresholds)

	// Advance the high-water zone; only the goroutine that wins the CAS
	// emits events for the crossing.
	for {
		before := Zone(m.zone.Load())
		if classified <= before {
			m.metrics.observe(counters, before)
			return counters, before, before, nil
		}
		if m.zone.CompareAndSwap(int32(before), int32(classified)) {
			m.metrics.observe(counters, classified)
			m.emit(before, classified, d, counters)
			return counters, before, classified, nil
		}
	}
}

func (m *Meter) emit(from, to Zone, d Dimension, c Counters) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	now := time.Now()
	for z := from + 1; z <= to; z++ {
		ev := Event{Zone: z, Dimension: d, Counters: c, At: now}
		if z == Yellow {
			ev.Kind = EnteredYellow
		} else {
			ev.Kind = EnteredRed
		}
		m.logger.Info("budget zone entered",
			zap.String("zone", z.String()),
			zap.String("dimension", string(d)),
			zap.Int64("direct_operations", c.DirectOperations),
			zap.Int64("large_reads", c.LargeReads),
			zap.Int64("delegations", c.Delegations))
		m.metrics.transition(z)
		for _, l := range listeners {
			l(ev)
		}
	}
}

// Counters returns a copy of the current counters.
func (m *Meter) Counters() Counters {
	return Counters{
		DirectOperations: m.counts[0].Load(),
		LargeReads:       m.counts[1].Load(),
		Delegations:      m.counts[2].Load(),
	}
}

// Zone returns the current aggregate zone.
func (m *Meter) Zone() Zone {
	return Zone(m.zone.Load())
}

// Reset zeroes the counters and returns to Green. It is called only on phase
// activation.
func (m *Meter) Reset() {
	for i := range m.counts {
		m.counts[i].Store(0)
	}
	m.zone.Store(int32(Green))
	m.metrics.observe(Counters{}, Green)
	m.logger.Debug("budget counters reset")
}
