package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     2,
	})
}

const queryResult = `{"result":{"points":[
	{"id":"6f1c","score":0.91,"payload":{"chunk_id":"c1","text":"Entropy always increases.","source_file":"thermo.pdf","page_number":4,"topic":"thermodynamics","notebook_id":"nb-1"}},
	{"id":"7a2d","score":0.42,"payload":{"text":"Heat flows from hot to cold.","source_file":"thermo.pdf","page_number":"5"}}
]}}`

func TestDenseQueryUsesNamedVectorAndFilter(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/collections/chunks/points/query" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(queryResult))
	}))
	defer server.Close()

	index := NewDenseIndex(New(server.URL, "chunks", testExecutor()))
	hits, err := index.Query(context.Background(), []float32{0.1, 0.2}, 5, domain.SearchFilter{NotebookID: "nb-1", Topic: "Thermodynamics"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Chunk.ID != "c1" || hits[0].Chunk.PageNumber != 4 || hits[0].Score != 0.91 {
		t.Fatalf("unexpected first hit %+v", hits[0])
	}
	if hits[1].Chunk.ID != "7a2d" || hits[1].Chunk.PageNumber != 5 {
		t.Fatalf("expected point id fallback and string page parsing, got %+v", hits[1].Chunk)
	}

	if body["using"] != denseVectorName || body["limit"] != float64(5) {
		t.Fatalf("unexpected request %v", body)
	}
	filter, _ := body["filter"].(map[string]any)
	must, _ := filter["must"].([]any)
	if len(must) != 2 {
		t.Fatalf("expected notebook and topic conditions, got %v", filter)
	}
	topic, _ := must[1].(map[string]any)
	match, _ := topic["match"].(map[string]any)
	if topic["key"] != "topic" || match["value"] != "thermodynamics" {
		t.Fatalf("unexpected topic condition %v", topic)
	}
}

func TestSparseQuerySendsHashedTerms(t *testing.T) {
	var body struct {
		Query sparseVector `json:"query"`
		Using string       `json:"using"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"result":{"points":[]}}`))
	}))
	defer server.Close()

	index := NewSparseIndex(New(server.URL, "chunks", testExecutor()))
	hits, err := index.Query(context.Background(), []string{"entropy", "law"}, 10, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
	if body.Using != sparseVectorName || len(body.Query.Indices) != 2 {
		t.Fatalf("unexpected sparse request %+v", body)
	}
}

func TestSparseQueryWithoutTokensSkipsCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	hits, err := NewSparseIndex(New(server.URL, "chunks", testExecutor())).Query(context.Background(), nil, 10, domain.SearchFilter{})
	if err != nil || len(hits) != 0 || atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected empty result without calls, got %v %v %d", hits, err, calls)
	}
}

func TestQueryServerErrorIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewDenseIndex(New(server.URL, "chunks", testExecutor())).Query(context.Background(), []float32{1}, 3, domain.SearchFilter{})
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestEnsureCollectionOncePerVectorSize(t *testing.T) {
	var ensureCalls int32
	var created map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/collections/chunks" {
			atomic.AddInt32(&ensureCalls, 1)
			_ = json.NewDecoder(r.Body).Decode(&created)
			w.WriteHeader(http.StatusCreated)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := New(server.URL, "chunks", testExecutor())
	for i := 0; i < 2; i++ {
		if err := client.EnsureCollection(context.Background(), 768); err != nil {
			t.Fatalf("EnsureCollection() error = %v", err)
		}
	}
	if got := atomic.LoadInt32(&ensureCalls); got != 1 {
		t.Fatalf("expected ensure collection called once, got %d", got)
	}
	if _, ok := created["sparse_vectors"]; !ok {
		t.Fatalf("expected sparse vector config, got %v", created)
	}
}

func TestEnsureCollectionIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := New(server.URL, "chunks", testExecutor()).EnsureCollection(context.Background(), 768)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to include body, got %v", err)
	}
}
