package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/study-assistant/internal/config"
	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
	"github.com/kirillkom/study-assistant/internal/observability/metrics"
)

const (
	serviceName     = "api"
	maxRequestBytes = 1 << 20
)

type Router struct {
	chatService      ports.ChatService
	retrievalService ports.RetrievalService
	metrics          *metrics.HTTPServerMetrics
	validator        *requestValidator

	apiKey              string
	chatTimeout         time.Duration
	rateLimitRPS        float64
	rateLimitBurst      int
	maxInFlight         int
	backpressureMaxWait time.Duration
}

// NewRouter panics when the embedded OpenAPI document is invalid, which can
// only happen on a broken build.
func NewRouter(
	cfg config.Config,
	chatService ports.ChatService,
	retrievalService ports.RetrievalService,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	validator, err := newRequestValidator()
	if err != nil {
		panic(err)
	}
	return &Router{
		chatService:         chatService,
		retrievalService:    retrievalService,
		metrics:             httpMetrics,
		validator:           validator,
		apiKey:              cfg.APIKey,
		chatTimeout:         cfg.ChatTimeout,
		rateLimitRPS:        cfg.APIRateLimitRPS,
		rateLimitBurst:      cfg.APIRateLimitBurst,
		maxInFlight:         cfg.APIMaxInFlight,
		backpressureMaxWait: cfg.APIBackpressureWait,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/v1/chat", rt.handleChat)
	api.HandleFunc("/v1/retrieve", rt.handleRetrieve)

	var v1 http.Handler = rt.validator.middleware(api)
	v1 = authMiddleware(v1, rt.apiKey)
	v1 = backpressureMiddleware(v1, rt.maxInFlight, rt.backpressureMaxWait)
	v1 = rateLimitMiddleware(v1, rt.rateLimitRPS, rt.rateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/openapi.yaml", rt.openAPIDocument)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}
	mux.Handle("/v1/", v1)

	var handler http.Handler = mux
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) openAPIDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

func (rt *Router) handleChat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if rt.chatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.chatTimeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := rt.chatService.Chat(ctx, req)
	rt.recordChat(resp, err, time.Since(started))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req domain.RetrieveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}

	result, err := rt.retrievalService.Retrieve(r.Context(), req)
	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(serviceName, len(result.Candidates), result.Degraded, err)
	}
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if result.Candidates == nil {
		result.Candidates = []domain.RetrievalCandidate{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) recordChat(resp *domain.ChatResponse, err error, duration time.Duration) {
	if rt.metrics == nil {
		return
	}
	obs := metrics.ChatObservation{
		Status:   "ok",
		Duration: duration,
	}
	if err != nil {
		obs.Status = fmt.Sprintf("%d", mapErrorToHTTPStatus(err))
	}
	if resp != nil {
		obs.Route = string(resp.Route)
		obs.Iterations = resp.Iterations
		obs.Degraded = resp.Degraded
		obs.LowConfidence = resp.LowConfidence
	}
	rt.metrics.RecordChat(serviceName, obs)
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	requestID := requestIDFromContext(r.Context())
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		slog.Error("request_failed", "request_id", requestID, "path", r.URL.Path, "status", status, "error", err)
		message = http.StatusText(status)
	}
	if status == statusClientClosedRequest {
		message = "client closed request"
	}
	writeJSON(w, status, errorBody{Error: message, RequestID: requestID})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := decoder.Decode(dst); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode_request", fmt.Errorf("invalid json: %w", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
