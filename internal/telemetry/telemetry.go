package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// closer is a named provider shutdown hook.
type closer struct {
	name string
	fn   func(context.Context) error
}

// Telemetry owns the process's OpenTelemetry providers.
//
// An exporter that cannot be built never fails a run. The instance records
// the failure as degraded and the global no-op provider stays in place for
// that signal.
type Telemetry struct {
	cfg *Config

	tracers *sdktrace.TracerProvider
	meters  *sdkmetric.MeterProvider
	logs    log.LoggerProvider

	closers []closer

	mu       sync.Mutex
	failures []error
}

// New validates cfg and, when enabled, installs global providers.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.fail(fmt.Errorf("traces: %w", err))
	} else {
		t.tracers = tp
		otel.SetTracerProvider(tp)
		t.closers = append(t.closers, closer{"trace provider", tp.Shutdown})
	}
	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.fail(fmt.Errorf("metrics: %w", err))
	} else {
		t.meters = mp
		otel.SetMeterProvider(mp)
		t.closers = append(t.closers, closer{"meter provider", mp.Shutdown})
	}

	// Log export is configured by whoever installs the global log provider;
	// the zap bridge just follows it.
	t.logs = global.GetLoggerProvider()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer, falling back to the global provider.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracers == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tracers.Tracer(name, opts...)
}

// Meter returns a meter, falling back to the global provider.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meters == nil {
		return otel.Meter(name, opts...)
	}
	return t.meters.Meter(name, opts...)
}

// LoggerProvider is the provider for the zap OTEL bridge. It is nil while
// telemetry is disabled.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.logs
}

func (t *Telemetry) Enabled() bool {
	return t != nil && t.cfg != nil && t.cfg.Enabled
}

// Degraded reports whether any provider failed to start, and why.
func (t *Telemetry) Degraded() (bool, error) {
	if t == nil {
		return false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures) > 0, errors.Join(t.failures...)
}

// Shutdown flushes and stops the providers in reverse start order. Without a
// deadline on ctx the configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || len(t.closers) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout.Duration())
		defer cancel()
	}

	var errs error
	for i := len(t.closers) - 1; i >= 0; i-- {
		c := t.closers[i]
		if err := c.fn(ctx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s shutdown: %w", c.name, err))
		}
	}
	t.closers = nil
	return errs
}

func (t *Telemetry) fail(err error) {
	t.mu.Lock()
	t.failures = append(t.failures, err)
	t.mu.Unlock()
}
