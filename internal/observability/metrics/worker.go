package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry
	gateway  *GatewayMetrics

	eventsTotal     *prometheus.CounterVec
	summaryDuration *prometheus.HistogramVec
	summaryInFlight prometheus.Gauge
	eventLag        *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "turn_events_total",
			Help:      "Total handled turn events by status.",
		},
		[]string{"service", "status"},
	)
	summaryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "summary_duration_seconds",
			Help:      "Session summarization duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	summaryInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "summary_in_flight",
			Help:      "Number of in-flight session summarizations.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	eventLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "event_lag_seconds",
			Help:      "Delay between turn completion and event handling.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(eventsTotal, summaryDuration, summaryInFlight, eventLag)

	return &WorkerMetrics{
		registry:        registry,
		gateway:         NewGatewayMetrics(registry, service),
		eventsTotal:     eventsTotal,
		summaryDuration: summaryDuration,
		summaryInFlight: summaryInFlight,
		eventLag:        eventLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) Gateway() *GatewayMetrics {
	return m.gateway
}

func (m *WorkerMetrics) StartSummary() {
	m.summaryInFlight.Inc()
}

// FinishSummary records one handled event. status is "summarized" when a
// new summary was written and "skipped" when the session was not due.
func (m *WorkerMetrics) FinishSummary(service string, duration time.Duration, summarized bool, err error) {
	m.summaryInFlight.Dec()

	status := "skipped"
	switch {
	case err != nil:
		status = "error"
	case summarized:
		status = "summarized"
	}

	m.eventsTotal.WithLabelValues(service, status).Inc()
	m.summaryDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveEventLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.eventLag.WithLabelValues(service).Observe(lag.Seconds())
}
