package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/infrastructure/resilience"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
)

// Client reads the chunk collection. Points carry a named dense vector and a
// named sparse vector written by the ingestion pipeline with the same hashed
// term encoding as encodeSparseQuery.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, executor *resilience.Executor) *Client {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

// DenseIndex adapts the client to the dense index port.
type DenseIndex struct {
	client *Client
}

func NewDenseIndex(client *Client) *DenseIndex {
	return &DenseIndex{client: client}
}

func (d *DenseIndex) Query(ctx context.Context, vector []float32, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	if len(vector) == 0 || topK <= 0 {
		return []domain.IndexHit{}, nil
	}
	return d.client.query(ctx, "dense", vector, denseVectorName, topK, filter)
}

// SparseIndex adapts the client to the sparse index port.
type SparseIndex struct {
	client *Client
}

func NewSparseIndex(client *Client) *SparseIndex {
	return &SparseIndex{client: client}
}

func (s *SparseIndex) Query(ctx context.Context, tokens []string, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	encoded := encodeSparseQuery(tokens)
	if len(encoded.Indices) == 0 || topK <= 0 {
		return []domain.IndexHit{}, nil
	}
	return s.client.query(ctx, "sparse", encoded, sparseVectorName, topK, filter)
}

type queryResponse struct {
	Result struct {
		Points []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"points"`
	} `json:"result"`
}

func (c *Client) query(ctx context.Context, kind string, query any, using string, limit int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	reqBody := map[string]any{
		"query":        query,
		"using":        using,
		"limit":        limit,
		"with_payload": true,
	}
	if must := filterConditions(filter); len(must) > 0 {
		reqBody["filter"] = map[string]any{"must": must}
	}

	var resp queryResponse
	operation := "qdrant_" + kind + "_query"
	err := c.executor.Execute(ctx, operation, func(ctx context.Context) error {
		return c.postJSON(ctx, fmt.Sprintf("/collections/%s/points/query", c.collection), reqBody, &resp, kind+" query")
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporaryIfNeeded(operation, err, resilience.ClassifyHTTPError)
	}

	out := make([]domain.IndexHit, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		chunk := chunkFromPayload(p.Payload)
		if chunk.ID == "" {
			chunk.ID = fmt.Sprintf("%v", p.ID)
		}
		out = append(out, domain.IndexHit{Chunk: chunk, Score: p.Score})
	}
	return out, nil
}

func filterConditions(filter domain.SearchFilter) []map[string]any {
	must := make([]map[string]any, 0, 3)
	add := func(key, value string) {
		if value == "" {
			return
		}
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}
	add("notebook_id", filter.NotebookID)
	add("topic", strings.ToLower(filter.Topic))
	add("doc_type", strings.ToLower(filter.DocType))
	return must
}

func chunkFromPayload(payload map[string]any) domain.Chunk {
	return domain.Chunk{
		ID:               getStringPayload(payload, "chunk_id"),
		Text:             getStringPayload(payload, "text"),
		SourceDocumentID: getStringPayload(payload, "source_document_id"),
		SourceFile:       getStringPayload(payload, "source_file"),
		SourceURL:        getStringPayload(payload, "source_url"),
		PageNumber:       getIntPayload(payload, "page_number"),
		Section:          getStringPayload(payload, "section"),
		Topic:            getStringPayload(payload, "topic"),
		DocType:          getStringPayload(payload, "doc_type"),
		NotebookID:       getStringPayload(payload, "notebook_id"),
	}
}

// EnsureCollection creates the chunk collection with named dense and sparse
// vectors if it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			denseVectorName: map[string]any{
				"size":     vectorSize,
				"distance": "Cosine",
			},
		},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal create collection body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create collection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant ensure collection request: %w", err)
	}
	defer resp.Body.Close()

	// 200/201 for create, 409 if already exists (depends on version/config).
	if resp.StatusCode == http.StatusConflict {
		c.markCollectionEnsured(vectorSize)
		return nil
	}
	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError("qdrant", "ensure collection", resp)
	}
	c.markCollectionEnsured(vectorSize)
	return nil
}

func (c *Client) markCollectionEnsured(vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError("qdrant", operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapError(domain.ErrMalformedResponse, "decode "+operation+" response", err)
	}
	return nil
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}
