package http

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/phasegate/internal/http"

// HTTPMetrics records status server traffic. Nil instruments are skipped, so
// a partially initialized HTTPMetrics still serves.
type HTTPMetrics struct {
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	inflight    metric.Int64UpDownCounter
	stateMisses metric.Int64Counter
}

// NewHTTPMetrics creates HTTPMetrics on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	m, err := newHTTPMetrics(otel.Meter(httpInstrumentationName))
	if err != nil && logger != nil {
		logger.Warn("some status server instruments are unavailable", zap.Error(err))
	}
	return m
}

func newHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	var m HTTPMetrics
	var errs, err error

	m.requests, err = meter.Int64Counter("phasegate.http.requests_total",
		metric.WithDescription("Status server requests by method, endpoint and status code"),
		metric.WithUnit("{request}"))
	errs = errors.Join(errs, err)

	m.duration, err = meter.Float64Histogram("phasegate.http.request_duration_seconds",
		metric.WithDescription("Status server request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5))
	errs = errors.Join(errs, err)

	m.inflight, err = meter.Int64UpDownCounter("phasegate.http.active_requests",
		metric.WithDescription("In-flight status server requests"),
		metric.WithUnit("{request}"))
	errs = errors.Join(errs, err)

	m.stateMisses, err = meter.Int64Counter("phasegate.http.state_misses_total",
		metric.WithDescription("Status reads for a plan with no recorded run state"),
		metric.WithUnit("{request}"))
	errs = errors.Join(errs, err)

	return &m, errs
}

// MetricsMiddleware returns an Echo middleware that records request metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

func (m *HTTPMetrics) recordStateMiss(ctx context.Context, planID string) {
	if m == nil || m.stateMisses == nil {
		return
	}
	m.stateMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("plan_id", planID)))
}

// normalizePath keeps the endpoint label bounded: every route is static, so
// only requests that matched no route need folding.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
