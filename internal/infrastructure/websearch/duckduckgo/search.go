// Package duckduckgo searches the public web through the DuckDuckGo HTML
// endpoint, which needs no API key.
package duckduckgo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/infrastructure/resilience"
)

const (
	DefaultEndpoint = "https://html.duckduckgo.com/html/"

	maxPageBytes = 1 << 20
	userAgent    = "Mozilla/5.0 (compatible; study-assistant/1.0)"
)

type Searcher struct {
	endpoint   string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(endpoint string, executor *resilience.Executor) *Searcher {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Searcher{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		executor:   executor,
	}
}

func (s *Searcher) Search(ctx context.Context, query string, maxResults int) ([]domain.WebResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.WebResult{}, nil
	}
	if maxResults <= 0 {
		maxResults = 3
	}

	var results []domain.WebResult
	err := s.executor.Execute(ctx, "web_search", func(ctx context.Context) error {
		page, err := s.fetch(ctx, query)
		if err != nil {
			return err
		}
		results = parseResults(page, maxResults)
		return nil
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporaryIfNeeded("web search", err, resilience.ClassifyHTTPError)
	}
	return results, nil
}

func (s *Searcher) fetch(ctx context.Context, query string) (*html.Node, error) {
	target := s.endpoint + "?" + url.Values{"q": {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, resilience.NewHTTPStatusError("duckduckgo", "search", resp)
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, domain.WrapError(domain.ErrMalformedResponse, "parse search page", err)
	}
	return doc, nil
}

// parseResults walks the result blocks in page order. Rank becomes the score
// so callers can fuse web hits without a relevance model.
func parseResults(doc *html.Node, limit int) []domain.WebResult {
	out := make([]domain.WebResult, 0, limit)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(out) >= limit {
			return
		}
		if n.Type == html.ElementNode && hasClass(n, "result") && !hasClass(n, "result--ad") {
			if r, ok := parseResult(n); ok {
				r.Score = 1 / float64(len(out)+1)
				out = append(out, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func parseResult(block *html.Node) (domain.WebResult, bool) {
	var r domain.WebResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a") && r.Title == "":
				r.Title = textContent(n)
				r.URL = resolveRedirect(attr(n, "href"))
			case hasClass(n, "result__snippet") && r.Snippet == "":
				r.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(block)
	if r.Title == "" || r.URL == "" {
		return domain.WebResult{}, false
	}
	return r, true
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= tracking links.
func resolveRedirect(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attr(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
