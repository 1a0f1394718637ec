package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orneryd/framestore/pkg/regen"
)

// metrics are registered on Options.Registerer. With a nil registerer the
// collectors still work but are not exported.
type metrics struct {
	operations    *prometheus.CounterVec
	instances     prometheus.Gauge
	matchDuration *prometheus.HistogramVec
	matchResults  prometheus.Histogram
	regenerated   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestore",
			Name:      "operations_total",
			Help:      "Store operations by operation and result",
		}, []string{"operation", "result"}),

		instances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "framestore",
			Name:      "instances",
			Help:      "Number of stored instances",
		}),

		matchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "framestore",
			Name:      "match_duration_seconds",
			Help:      "Match query duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		}, []string{"matcher"}),

		matchResults: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "framestore",
			Name:      "match_results",
			Help:      "Number of identities returned per match query",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),

		regenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestore",
			Name:      "regenerated_total",
			Help:      "Instances regenerated at load by status",
		}, []string{"status"}),
	}
}

func (m *metrics) op(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

func (m *metrics) regen(s regen.Status) {
	m.regenerated.WithLabelValues(s.String()).Inc()
}
