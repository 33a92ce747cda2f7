package budget

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for the budget meter.
type Metrics struct {
	Count       *prometheus.GaugeVec
	Zone        prometheus.Gauge
	Transitions *prometheus.CounterVec
}

// NewMetrics creates and registers the budget collectors once per process.
//
// Metrics:
//   - phasegate_budget_count{dimension} - current counter value for the active phase
//   - phasegate_budget_zone - aggregate zone (0=green, 1=yellow, 2=red)
//   - phasegate_budget_zone_transitions_total{zone} - upward zone crossings
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Count: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "phasegate",
					Subsystem: "budget",
					Name:      "count",
					Help:      "Budget counter value for the active phase",
				},
				[]string{"dimension"},
			),
			Zone: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "phasegate",
					Subsystem: "budget",
					Name:      "zone",
					Help:      "Aggregate budget zone (0=green, 1=yellow, 2=red)",
				},
			),
			Transitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "phasegate",
					Subsystem: "budget",
					Name:      "zone_transitions_total",
					Help:      "Total upward budget zone crossings",
				},
				[]string{"zone"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) observe(c Counters, z Zone) {
	if m == nil {
		return
	}
	for _, d := range Dimensions {
		m.Count.WithLabelValues(string(d)).Set(float64(c.Get(d)))
	}
	m.Zone.Set(float64(z))
}

func (m *Metrics) transition(z Zone) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(z.String()).Inc()
}
