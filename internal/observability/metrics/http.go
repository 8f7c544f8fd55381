package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "study"

type HTTPServerMetrics struct {
	registry *prometheus.Registry
	gateway  *GatewayMetrics

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	chatRequestsTotal     *prometheus.CounterVec
	chatDuration          *prometheus.HistogramVec
	chatIterations        *prometheus.HistogramVec
	chatDegradedTotal     *prometheus.CounterVec
	chatLowConfidence     *prometheus.CounterVec
	retrievalTotal        *prometheus.CounterVec
	retrievalCandidates   *prometheus.HistogramVec
	retrievalNoMatchTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	chatRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total chat turns by executed route and status.",
		},
		[]string{"service", "route", "status"},
	)
	chatDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Chat turn duration in seconds by route.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"service", "route"},
	)
	chatIterations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "reflection_iterations",
			Help:      "Distribution of reflection iterations per chat turn.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"service", "route"},
	)
	chatDegradedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "degraded_total",
			Help:      "Total chat turns answered from partial retrieval.",
		},
		[]string{"service", "route"},
	)
	chatLowConfidence := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "low_confidence_total",
			Help:      "Total chat turns returned below the confidence threshold.",
		},
		[]string{"service", "route"},
	)
	retrievalTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Total standalone retrieval requests by outcome.",
		},
		[]string{"service", "outcome"},
	)
	retrievalCandidates := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "candidates",
			Help:      "Distribution of candidates returned per retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	retrievalNoMatchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "no_match_total",
			Help:      "Total retrievals that returned no candidates.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		chatRequestsTotal,
		chatDuration,
		chatIterations,
		chatDegradedTotal,
		chatLowConfidence,
		retrievalTotal,
		retrievalCandidates,
		retrievalNoMatchTotal,
	)

	return &HTTPServerMetrics{
		registry:              registry,
		gateway:               NewGatewayMetrics(registry, service),
		requestTotal:          requestTotal,
		requestDuration:       requestDuration,
		requestInFlight:       requestInFlight,
		chatRequestsTotal:     chatRequestsTotal,
		chatDuration:          chatDuration,
		chatIterations:        chatIterations,
		chatDegradedTotal:     chatDegradedTotal,
		chatLowConfidence:     chatLowConfidence,
		retrievalTotal:        retrievalTotal,
		retrievalCandidates:   retrievalCandidates,
		retrievalNoMatchTotal: retrievalNoMatchTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gateway returns the provider gateway observer sharing this registry.
func (m *HTTPServerMetrics) Gateway() *GatewayMetrics {
	return m.gateway
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch path {
	case "/healthz", "/metrics", "/openapi.yaml", "/v1/chat", "/v1/retrieve":
		return path
	default:
		return "other"
	}
}

// ChatObservation is one finished chat turn as seen by the transport.
type ChatObservation struct {
	Route         string
	Status        string
	Iterations    int
	Degraded      bool
	LowConfidence bool
	Duration      time.Duration
}

func (m *HTTPServerMetrics) RecordChat(service string, obs ChatObservation) {
	route := obs.Route
	if route == "" {
		route = "none"
	}
	status := obs.Status
	if status == "" {
		status = "unknown"
	}
	m.chatRequestsTotal.WithLabelValues(service, route, status).Inc()
	m.chatDuration.WithLabelValues(service, route).Observe(obs.Duration.Seconds())
	if obs.Iterations > 0 {
		m.chatIterations.WithLabelValues(service, route).Observe(float64(obs.Iterations))
	}
	if obs.Degraded {
		m.chatDegradedTotal.WithLabelValues(service, route).Inc()
	}
	if obs.LowConfidence {
		m.chatLowConfidence.WithLabelValues(service, route).Inc()
	}
}

func (m *HTTPServerMetrics) RecordRetrieval(service string, candidates int, degraded bool, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case degraded:
		outcome = "degraded"
	}
	m.retrievalTotal.WithLabelValues(service, outcome).Inc()
	if err != nil {
		return
	}
	m.retrievalCandidates.WithLabelValues(service).Observe(float64(candidates))
	if candidates == 0 {
		m.retrievalNoMatchTotal.WithLabelValues(service).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
