package httpadapter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/study-assistant/internal/config"
	"github.com/kirillkom/study-assistant/internal/core/domain"
)

func retrieveRequest(t *testing.T, payload map[string]any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/retrieve", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}

func TestChatReturnsAnswerPayload(t *testing.T) {
	chat := &chatServiceFake{resp: &domain.ChatResponse{
		Answer:     "Entropy measures disorder.",
		Route:      domain.RouteRAG,
		SessionID:  "s-1",
		Confidence: 0.9,
		Iterations: 1,
		Citations:  []domain.Citation{{ChunkID: "c1", SourceFile: "thermo.pdf", PageNumber: 3, Display: "📄 thermo.pdf, Page 3"}},
	}}
	handler := newTestHandler(config.Config{}, chat, nil)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, chatRequest(t, map[string]any{
		"query":       "what is entropy",
		"session_id":  "s-1",
		"notebook_id": "nb-1",
		"filters":     map[string]any{"topic": "thermo"},
	}))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}

	var got domain.ChatResponse
	if err := json.Unmarshal(res.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Answer != "Entropy measures disorder." || got.Route != domain.RouteRAG || len(got.Citations) != 1 {
		t.Fatalf("unexpected response %+v", got)
	}
	if len(chat.reqs) != 1 {
		t.Fatalf("expected one chat call, got %d", len(chat.reqs))
	}
	req := chat.reqs[0]
	if req.NotebookID != "nb-1" || req.Filters == nil || req.Filters.Topic != "thermo" {
		t.Fatalf("request not forwarded intact: %+v", req)
	}
}

func TestChatRejectsSchemaViolationsBeforeService(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
	}{
		{name: "missing query", payload: map[string]any{"session_id": "s-1"}},
		{name: "empty query", payload: map[string]any{"query": ""}},
		{name: "wrong type", payload: map[string]any{"query": 42}},
		{name: "unknown field", payload: map[string]any{"query": "hi", "mode": "agent"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chat := &chatServiceFake{}
			handler := newTestHandler(config.Config{}, chat, nil)
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, chatRequest(t, tc.payload))
			if res.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", res.Code, res.Body.String())
			}
			if chat.calls() != 0 {
				t.Fatalf("service must not be called for invalid requests")
			}
		})
	}
}

func TestUnknownMethodAndPath(t *testing.T) {
	handler := newTestHandler(config.Config{}, nil, nil)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/chat", nil))
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/documents", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestRetrieveReturnsCandidates(t *testing.T) {
	score := 0.7
	retrieval := &retrievalServiceFake{result: domain.RetrievalResult{
		Candidates: []domain.RetrievalCandidate{{
			ChunkID:     "c1",
			Chunk:       domain.Chunk{ID: "c1", Text: "text", SourceFile: "a.pdf"},
			FusedScore:  1.0 / 61,
			FusionRank:  1,
			RerankScore: &score,
		}},
		Degraded:        true,
		DegradedReasons: []string{"sparse_failed"},
	}}
	handler := newTestHandler(config.Config{}, nil, retrieval)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, retrieveRequest(t, map[string]any{"query": "entropy", "top_k": 3}))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var got domain.RetrievalResult
	if err := json.Unmarshal(res.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got.Candidates) != 1 || !got.Degraded || got.Candidates[0].RerankScore == nil {
		t.Fatalf("unexpected retrieval payload %+v", got)
	}
	if retrieval.reqs[0].TopK != 3 {
		t.Fatalf("expected top_k forwarded, got %d", retrieval.reqs[0].TopK)
	}
}

func TestRetrieveRejectsOutOfRangeTopK(t *testing.T) {
	retrieval := &retrievalServiceFake{}
	handler := newTestHandler(config.Config{}, nil, retrieval)

	for _, topK := range []int{0, 51} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, retrieveRequest(t, map[string]any{"query": "entropy", "top_k": topK}))
		if res.Code != http.StatusBadRequest {
			t.Fatalf("top_k=%d expected 400, got %d", topK, res.Code)
		}
	}
	if len(retrieval.reqs) != 0 {
		t.Fatalf("service must not be called for invalid top_k")
	}
}

func TestRetrieveEncodesEmptyCandidatesAsArray(t *testing.T) {
	handler := newTestHandler(config.Config{}, nil, &retrievalServiceFake{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, retrieveRequest(t, map[string]any{"query": "nothing matches"}))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !contains(res.Body.String(), `"candidates":[]`) {
		t.Fatalf("expected empty array, got %s", res.Body.String())
	}
}

func TestMetricsAndOpenAPIEndpoints(t *testing.T) {
	handler := newTestHandler(config.Config{}, nil, nil)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, chatRequest(t, map[string]any{"query": "hello"}))
	if res.Code != http.StatusOK {
		t.Fatalf("expected chat 200, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !contains(res.Body.String(), "study_chat_requests_total") {
		t.Fatalf("expected chat metrics, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	if res.Code != http.StatusOK || !contains(res.Body.String(), "/v1/chat") {
		t.Fatalf("expected openapi document, got %d", res.Code)
	}
}
