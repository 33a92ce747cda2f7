package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m, err := newHTTPMetrics(mp.Meter(httpInstrumentationName))
	require.NoError(t, err)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/status", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/missing", func(c echo.Context) error {
		m.recordStateMiss(c.Request().Context(), "rename")
		return echo.NewHTTPError(http.StatusNotFound, "no run recorded")
	})

	for _, path := range []string{"/status", "/health", "/status"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch md.Name {
			case "phasegate.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				assert.Equal(t, int64(4), total)
				for _, dp := range sum.DataPoints {
					if ep, _ := dp.Attributes.Value("endpoint"); ep.AsString() == "/missing" {
						st, _ := dp.Attributes.Value("status")
						assert.Equal(t, int64(http.StatusNotFound), st.AsInt64())
					}
				}
			case "phasegate.http.state_misses_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, int64(1), sum.DataPoints[0].Value)
			case "phasegate.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var count uint64
				for _, dp := range hist.DataPoints {
					count += dp.Count
				}
				assert.Equal(t, uint64(4), count)
			}
		}
	}
	assert.True(t, found["phasegate.http.requests_total"])
	assert.True(t, found["phasegate.http.request_duration_seconds"])
	assert.True(t, found["phasegate.http.active_requests"])
	assert.True(t, found["phasegate.http.state_misses_total"])
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "unmatched", normalizePath(""))
	assert.Equal(t, "/status", normalizePath("/status"))
}
