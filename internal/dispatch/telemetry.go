package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/phasegate/internal/dispatch"

// Metrics provides OpenTelemetry metrics for the dispatcher.
type Metrics struct {
	itemsTotal   metric.Int64Counter
	retriesTotal metric.Int64Counter
	inflight     metric.Int64UpDownCounter
	duration     metric.Float64Histogram

	initialized bool
}

// NewMetrics creates dispatcher metrics. A nil meter uses the global
// provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.itemsTotal, err = meter.Int64Counter(
		"phasegate.dispatch.items.total",
		metric.WithDescription("Total number of work items finished by the dispatcher"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	m.retriesTotal, err = meter.Int64Counter(
		"phasegate.dispatch.retries.total",
		metric.WithDescription("Total number of automatic transient-failure retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.inflight, err = meter.Int64UpDownCounter(
		"phasegate.dispatch.inflight",
		metric.WithDescription("Number of work items currently executing"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(
		"phasegate.dispatch.duration.seconds",
		metric.WithDescription("Duration of work item execution in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

func (m *Metrics) started(ctx context.Context, capability string) {
	if m == nil || !m.initialized {
		return
	}
	m.inflight.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}

func (m *Metrics) finished(ctx context.Context, capability, status string, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("status", status),
	)
	m.inflight.Add(ctx, -1, metric.WithAttributes(attribute.String("capability", capability)))
	m.itemsTotal.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) retried(ctx context.Context, capability string) {
	if m == nil || !m.initialized {
		return
	}
	m.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}
