package httpreranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/infrastructure/resilience"
)

// Client scores (query, passage) pairs against a cross-encoder service that
// speaks the common /rerank shape: {query, documents} in, indexed relevance
// scores out.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	gateway    *resilience.Gateway
}

func New(baseURL, model, apiKey string, gateway *resilience.Gateway) *Client {
	if gateway == nil {
		gateway = resilience.NewGateway(resilience.DefaultGatewayConfig(), nil, nil)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		gateway:    gateway,
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (c *Client) Score(ctx context.Context, query, text string) (float64, error) {
	scores, err := c.ScoreBatch(ctx, query, []string{text})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch returns one score per text, in input order.
func (c *Client) ScoreBatch(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return []float64{}, nil
	}

	var response rerankResponse
	err := c.gateway.Do(ctx, "rerank", func(ctx context.Context) error {
		return c.post(ctx, rerankRequest{Query: query, Documents: texts, Model: c.model}, &response)
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporaryIfNeeded("rerank", err, resilience.ClassifyHTTPError)
	}

	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, r := range response.Results {
		if r.Index < 0 || r.Index >= len(texts) {
			return nil, domain.WrapError(domain.ErrMalformedResponse, "rerank", fmt.Errorf("result index %d out of range", r.Index))
		}
		if math.IsNaN(r.RelevanceScore) || math.IsInf(r.RelevanceScore, 0) {
			return nil, domain.WrapError(domain.ErrMalformedResponse, "rerank", fmt.Errorf("non-finite score at index %d", r.Index))
		}
		scores[r.Index] = r.RelevanceScore
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, domain.WrapError(domain.ErrMalformedResponse, "rerank", fmt.Errorf("missing score for document %d", i))
		}
	}
	return scores, nil
}

func (c *Client) post(ctx context.Context, payload rerankRequest, out *rerankResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError("reranker", "rerank", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapError(domain.ErrMalformedResponse, "decode rerank response", err)
	}
	return nil
}
