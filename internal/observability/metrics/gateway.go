package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics records provider budget waits and call outcomes. It
// satisfies resilience.GatewayObserver.
type GatewayMetrics struct {
	service string
	wait    *prometheus.HistogramVec
	results *prometheus.CounterVec
}

func NewGatewayMetrics(registerer prometheus.Registerer, service string) *GatewayMetrics {
	wait := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider_gateway",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the shared provider budget.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"service", "operation"},
	)
	results := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider_gateway",
			Name:      "calls_total",
			Help:      "Total provider calls by operation and outcome.",
		},
		[]string{"service", "operation", "outcome"},
	)
	registerer.MustRegister(wait, results)
	return &GatewayMetrics{service: service, wait: wait, results: results}
}

func (m *GatewayMetrics) ObserveGatewayWait(operation string, wait time.Duration) {
	m.wait.WithLabelValues(m.service, operation).Observe(wait.Seconds())
}

func (m *GatewayMetrics) ObserveGatewayResult(operation, outcome string) {
	m.results.WithLabelValues(m.service, operation, outcome).Inc()
}
