package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

// LLMClassifier is a single JSON-mode classification call.
type LLMClassifier struct {
	generator ports.Generator
}

func NewLLMClassifier(generator ports.Generator) *LLMClassifier {
	return &LLMClassifier{generator: generator}
}

func (c *LLMClassifier) Classify(ctx context.Context, query string, session domain.SessionContext) (domain.RoutingDecision, error) {
	raw, err := c.generator.Generate(ctx, buildRoutingPrompt(query, session), domain.GenerateOptions{
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return domain.RoutingDecision{}, err
	}
	return parseRoutingDecision(raw), nil
}

// parseRoutingDecision accepts {"route": ..., "reasoning": ...} or a bare
// label. Anything else is RouteUnknown.
func parseRoutingDecision(raw string) domain.RoutingDecision {
	raw = strings.TrimSpace(raw)
	var payload struct {
		Route     string `json:"route"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &payload); err == nil && payload.Route != "" {
		return domain.RoutingDecision{
			Route:     domain.ParseRoute(payload.Route),
			Label:     payload.Route,
			Reasoning: strings.TrimSpace(payload.Reasoning),
		}
	}
	return domain.RoutingDecision{
		Route: domain.ParseRoute(raw),
		Label: truncateRunes(raw, 64),
	}
}

// QueryRouter wraps a Classifier so that every failure other than
// cancellation resolves to RouteUnknown.
type QueryRouter struct {
	classifier ports.Classifier
}

func NewQueryRouter(classifier ports.Classifier) *QueryRouter {
	return &QueryRouter{classifier: classifier}
}

func (r *QueryRouter) Classify(ctx context.Context, query string, session domain.SessionContext) (domain.RoutingDecision, error) {
	if r.classifier == nil {
		return domain.RoutingDecision{Route: domain.RouteRAG, Reasoning: "no classifier configured"}, nil
	}
	decision, err := r.classifier.Classify(ctx, query, session)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.RoutingDecision{}, ctxErr
		}
		slog.Warn("routing_fallback", "reason", "classifier_error", "error", err)
		return domain.RoutingDecision{Route: domain.RouteUnknown, Reasoning: "classifier unavailable"}, nil
	}
	decision.Route = domain.ParseRoute(string(decision.Route))
	if decision.Route == domain.RouteUnknown {
		slog.Info("routing_fallback", "reason", "unrecognized_label", "label", decision.Label)
	}
	return decision, nil
}
