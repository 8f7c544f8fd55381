package httpadapter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kirillkom/study-assistant/internal/config"
	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/observability/metrics"
)

type chatServiceFake struct {
	mu   sync.Mutex
	resp *domain.ChatResponse
	err  error
	reqs []domain.ChatRequest
}

func (f *chatServiceFake) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &domain.ChatResponse{
		Answer:     "ok",
		Route:      domain.RouteDirectLLM,
		SessionID:  "session-1",
		Confidence: 0.8,
		Iterations: 1,
		Citations:  []domain.Citation{},
	}, nil
}

func (f *chatServiceFake) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type retrievalServiceFake struct {
	result domain.RetrievalResult
	err    error
	reqs   []domain.RetrieveRequest
}

func (f *retrievalServiceFake) Retrieve(_ context.Context, req domain.RetrieveRequest) (domain.RetrievalResult, error) {
	f.reqs = append(f.reqs, req)
	return f.result, f.err
}

func newTestHandler(cfg config.Config, chat *chatServiceFake, retrieval *retrievalServiceFake) http.Handler {
	if chat == nil {
		chat = &chatServiceFake{}
	}
	if retrieval == nil {
		retrieval = &retrievalServiceFake{}
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 5 * time.Second
	}
	return NewRouter(cfg, chat, retrieval, metrics.NewHTTPServerMetrics(serviceName)).Handler()
}
