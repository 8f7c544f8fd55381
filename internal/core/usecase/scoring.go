package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

var insufficiencyMarkers = []string{
	"insufficient", "not enough information", "does not contain", "doesn't contain",
	"no information", "not mentioned", "missing", "cannot be answered", "can't be answered",
	"do not cover", "don't cover", "does not cover",
}

// LLMScorer asks the generation provider to grade its own draft.
type LLMScorer struct {
	generator ports.Generator
}

func NewLLMScorer(generator ports.Generator) *LLMScorer {
	return &LLMScorer{generator: generator}
}

func (s *LLMScorer) Score(ctx context.Context, in domain.ReflectionInput) (domain.Reflection, error) {
	if in.NoMaterial || len(in.Evidence) == 0 {
		return noEvidenceReflection(), nil
	}

	raw, err := s.generator.Generate(ctx, buildReflectionPrompt(in.Query, in.Draft, in.Evidence), domain.GenerateOptions{
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return domain.Reflection{}, err
	}
	return parseReflection(raw)
}

type flexFloat struct {
	value float64
	set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	text := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if text == "" || text == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("parse score %q: %w", text, err)
	}
	f.value = v
	f.set = true
	return nil
}

func parseReflection(raw string) (domain.Reflection, error) {
	var payload struct {
		Confidence        flexFloat `json:"confidence"`
		OverallConfidence flexFloat `json:"overall_confidence"`
		Score             flexFloat `json:"score"`
		Critique          string    `json:"critique"`
		ShouldRetry       bool      `json:"should_retry"`
		RetryQuery        string    `json:"retry_query"`
		RetrySuggestion   string    `json:"retry_suggestion"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(strings.TrimSpace(raw))), &payload); err != nil {
		return domain.Reflection{}, domain.WrapError(domain.ErrMalformedResponse, "parse reflection", err)
	}

	var confidence flexFloat
	for _, candidate := range []flexFloat{payload.Confidence, payload.OverallConfidence, payload.Score} {
		if candidate.set {
			confidence = candidate
			break
		}
	}
	if !confidence.set {
		return domain.Reflection{}, domain.WrapError(domain.ErrMalformedResponse, "parse reflection", fmt.Errorf("confidence is missing"))
	}

	retryQuery := strings.TrimSpace(payload.RetryQuery)
	if retryQuery == "" {
		retryQuery = strings.TrimSpace(payload.RetrySuggestion)
	}
	if !payload.ShouldRetry {
		retryQuery = ""
	}
	critique := strings.TrimSpace(payload.Critique)
	return domain.Reflection{
		Confidence:   clampConfidence(confidence.value),
		Critique:     critique,
		RetryQuery:   retryQuery,
		Actionable:   payload.ShouldRetry,
		Insufficient: mentionsInsufficiency(critique),
	}, nil
}

// GroundednessScorer is a deterministic scorer: the share of the draft's
// content words found in the evidence, blended with how much of the query the
// evidence covers.
type GroundednessScorer struct{}

func NewGroundednessScorer() *GroundednessScorer {
	return &GroundednessScorer{}
}

func (GroundednessScorer) Score(ctx context.Context, in domain.ReflectionInput) (domain.Reflection, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reflection{}, err
	}
	if in.NoMaterial || len(in.Evidence) == 0 {
		return noEvidenceReflection(), nil
	}
	if strings.TrimSpace(in.Draft) == "" {
		return domain.Reflection{Confidence: 0, Critique: "draft answer is empty", Actionable: true}, nil
	}

	evidence := make(map[string]struct{}, 256)
	for _, chunk := range in.Evidence {
		for token := range contentTokenSet(chunk.Text) {
			evidence[token] = struct{}{}
		}
	}
	queryTokens := contentTokenSet(in.Query)
	support := tokenOverlap(contentTokenSet(in.Draft), evidence)
	coverage := tokenOverlap(queryTokens, evidence)
	confidence := 0.7*support + 0.3*coverage

	hedged := mentionsInsufficiency(in.Draft)
	if hedged {
		confidence *= 0.5
	}

	missing := make([]string, 0)
	for token := range queryTokens {
		if _, ok := evidence[token]; !ok {
			missing = append(missing, token)
		}
	}
	sort.Strings(missing)

	critique := fmt.Sprintf("%.0f%% of the draft's terms appear in the evidence", support*100)
	if len(missing) > 0 {
		critique += "; evidence does not mention: " + strings.Join(missing, ", ")
	}
	if hedged {
		critique += "; draft reports the evidence is insufficient"
	}

	return domain.Reflection{
		Confidence:   clampConfidence(confidence),
		Critique:     critique,
		Actionable:   len(missing) > 0 || support < 0.5 || hedged,
		Insufficient: len(missing) > 0 || hedged,
	}, nil
}

// BlendScorer averages two scorers and falls back to whichever one succeeds.
type BlendScorer struct {
	primary   ports.Scorer
	secondary ports.Scorer
	weight    float64
}

func NewBlendScorer(primary, secondary ports.Scorer, primaryWeight float64) *BlendScorer {
	if primaryWeight < 0 || primaryWeight > 1 || math.IsNaN(primaryWeight) {
		primaryWeight = 0.5
	}
	return &BlendScorer{primary: primary, secondary: secondary, weight: primaryWeight}
}

func (s *BlendScorer) Score(ctx context.Context, in domain.ReflectionInput) (domain.Reflection, error) {
	first, firstErr := s.primary.Score(ctx, in)
	if err := ctx.Err(); err != nil {
		return domain.Reflection{}, err
	}
	second, secondErr := s.secondary.Score(ctx, in)
	switch {
	case firstErr != nil && secondErr != nil:
		return domain.Reflection{}, fmt.Errorf("blend scorer: %w", firstErr)
	case firstErr != nil:
		return second, nil
	case secondErr != nil:
		return first, nil
	}

	critiques := make([]string, 0, 2)
	for _, c := range []string{first.Critique, second.Critique} {
		if c = strings.TrimSpace(c); c != "" {
			critiques = append(critiques, c)
		}
	}
	retry := first.RetryQuery
	if retry == "" {
		retry = second.RetryQuery
	}
	return domain.Reflection{
		Confidence:   clampConfidence(s.weight*first.Confidence + (1-s.weight)*second.Confidence),
		Critique:     strings.Join(critiques, "; "),
		RetryQuery:   retry,
		Actionable:   first.Actionable || second.Actionable,
		Insufficient: first.Insufficient || second.Insufficient,
	}, nil
}

func noEvidenceReflection() domain.Reflection {
	return domain.Reflection{
		Confidence:   0,
		Critique:     "no relevant material was retrieved",
		Actionable:   true,
		Insufficient: true,
	}
}

func mentionsInsufficiency(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range insufficiencyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// clampConfidence maps any value into [0,1]; NaN becomes 0.
func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
