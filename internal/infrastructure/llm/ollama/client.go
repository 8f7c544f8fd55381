package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/infrastructure/resilience"
)

// Client talks to the Ollama REST API. All calls go through the shared
// provider gateway.
type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	gateway    *resilience.Gateway
}

func New(baseURL, genModel, embedModel string, gateway *resilience.Gateway) *Client {
	if gateway == nil {
		gateway = resilience.NewGateway(resilience.DefaultGatewayConfig(), nil, nil)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		gateway:    gateway,
	}
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.call(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, domain.WrapError(domain.ErrMalformedResponse, "ollama embed", fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Embeddings)))
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, domain.WrapError(domain.ErrMalformedResponse, "ollama embed", fmt.Errorf("empty embedding result"))
	}
	return vectors[0], nil
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Generate(ctx context.Context, prompt string, opts domain.GenerateOptions) (string, error) {
	options := map[string]any{
		"temperature": opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	reqBody := map[string]any{
		"model":   g.client.genModel,
		"prompt":  prompt,
		"stream":  false,
		"options": options,
	}
	if opts.JSON {
		reqBody["format"] = "json"
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := g.client.call(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func (c *Client) call(ctx context.Context, path string, payload any, out any, operation string) error {
	err := c.gateway.Do(ctx, "ollama_"+operation, func(ctx context.Context) error {
		return c.postJSON(ctx, path, payload, out, operation)
	}, resilience.ClassifyHTTPError)
	return resilience.WrapTemporaryIfNeeded("ollama "+operation, err, resilience.ClassifyHTTPError)
}
