package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

const defaultMaxSubQueries = 4

var multiHopKeywords = []string{
	"relate", "connect", "compare", "link", "difference between", "differences between",
	"how does", "contrast", "versus", " vs ", " vs. ",
}

// ShouldDecompose is the cheap trigger for multi-hop retrieval: comparison or
// relational language, several joined parts, or a long question.
func ShouldDecompose(query string) bool {
	lower := " " + strings.ToLower(strings.TrimSpace(query)) + " "
	if strings.TrimSpace(lower) == "" {
		return false
	}
	for _, kw := range multiHopKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	words := len(strings.Fields(lower))
	if words > 15 {
		return true
	}
	if strings.Count(lower, "?") > 1 {
		return true
	}
	for _, conj := range []string{" and ", " as well as ", " also ", " both "} {
		if strings.Contains(lower, conj) && words >= 5 {
			return true
		}
	}
	return false
}

// LLMDecomposer asks the generation provider for sub-queries. Any provider or
// parse failure yields the original query unchanged.
type LLMDecomposer struct {
	generator     ports.Generator
	maxSubQueries int
}

func NewLLMDecomposer(generator ports.Generator, maxSubQueries int) *LLMDecomposer {
	if maxSubQueries <= 0 {
		maxSubQueries = defaultMaxSubQueries
	}
	return &LLMDecomposer{generator: generator, maxSubQueries: maxSubQueries}
}

func (d *LLMDecomposer) Decompose(ctx context.Context, query string, session domain.SessionContext) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return []string{query}
	}
	raw, err := d.generator.Generate(ctx, buildDecompositionPrompt(query, session, d.maxSubQueries), domain.GenerateOptions{
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		slog.Warn("decomposition_fallback", "reason", "provider_error", "error", err)
		return []string{query}
	}
	parts, err := parseSubQueries(raw)
	if err != nil {
		slog.Warn("decomposition_fallback", "reason", "malformed_response", "error", err)
		return []string{query}
	}
	out := cleanSubQueries(parts, d.maxSubQueries)
	if len(out) == 0 {
		return []string{query}
	}
	return out
}

func parseSubQueries(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, domain.WrapError(domain.ErrMalformedResponse, "parse sub-queries", fmt.Errorf("empty response"))
	}

	var wrapped struct {
		SubQueries []string `json:"sub_queries"`
		Queries    []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &wrapped); err == nil {
		if len(wrapped.SubQueries) > 0 {
			return wrapped.SubQueries, nil
		}
		if len(wrapped.Queries) > 0 {
			return wrapped.Queries, nil
		}
	}

	var list []string
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &list); err != nil {
		return nil, domain.WrapError(domain.ErrMalformedResponse, "parse sub-queries", err)
	}
	return list, nil
}

func cleanSubQueries(parts []string, limit int) []string {
	if limit <= 0 {
		limit = defaultMaxSubQueries
	}
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, "-*•\"' ")
		if part == "" {
			continue
		}
		key := strings.ToLower(part)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, part)
		if len(out) == limit {
			break
		}
	}
	return out
}

var (
	comparisonLeads = []string{
		"compare and contrast ", "compare ", "contrast ",
		"what is the difference between ", "what are the differences between ",
		"what's the difference between ", "difference between ", "differences between ",
		"how does ", "how do ", "explain how ",
	}
	subQuerySeparator = regexp.MustCompile(`(?i)\s*(?:,|;|\band\b|\bor\b|\bvs\.?|\bversus\b|\bas well as\b|\balso\b|\brelates? to\b|\bconnects? (?:to|with)\b|\bcompared? (?:to|with)\b)\s*`)
)

// RuleDecomposer splits comparison and conjunction queries without a model call.
type RuleDecomposer struct {
	maxSubQueries int
}

func NewRuleDecomposer(maxSubQueries int) *RuleDecomposer {
	if maxSubQueries <= 0 {
		maxSubQueries = defaultMaxSubQueries
	}
	return &RuleDecomposer{maxSubQueries: maxSubQueries}
}

func (d *RuleDecomposer) Decompose(_ context.Context, query string, _ domain.SessionContext) []string {
	query = strings.TrimSpace(query)
	body := strings.TrimRight(query, "?.! ")
	lower := strings.ToLower(body)
	for _, lead := range comparisonLeads {
		if strings.HasPrefix(lower, lead) {
			body = body[len(lead):]
			break
		}
	}

	pieces := subQuerySeparator.Split(body, -1)
	parts := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		piece = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(piece), "the "))
		if len(QueryTokens(piece)) == 0 {
			continue
		}
		parts = append(parts, piece)
	}
	if len(parts) < 2 {
		return []string{query}
	}

	if len(parts) >= d.maxSubQueries {
		return cleanSubQueries(parts, d.maxSubQueries)
	}
	return cleanSubQueries(append(parts, query), d.maxSubQueries)
}
