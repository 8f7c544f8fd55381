package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

func TestLLMClassifierParsesRoutes(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.Route
	}{
		{`{"route": "rag", "reasoning": "about lecture notes"}`, domain.RouteRAG},
		{"```json\n{\"route\": \"quiz\"}\n```", domain.RouteQuizDispatch},
		{`{"route": "web"}`, domain.RouteWebSearch},
		{"direct", domain.RouteDirectLLM},
		{`{"route": "astrology"}`, domain.RouteUnknown},
		{"I think you should look it up", domain.RouteUnknown},
	}
	for _, tc := range cases {
		gen := &generatorFake{def: tc.raw}
		decision, err := NewLLMClassifier(gen).Classify(context.Background(), "q", domain.SessionContext{})
		if err != nil {
			t.Fatalf("Classify(%q) error = %v", tc.raw, err)
		}
		if decision.Route != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.raw, decision.Route, tc.want)
		}
	}
}

func TestQueryRouterUnknownLabelIsHandledAsDirect(t *testing.T) {
	router := NewQueryRouter(classifierFake{decision: domain.RoutingDecision{Route: "banana", Label: "banana"}})
	decision, err := router.Classify(context.Background(), "hello", domain.SessionContext{})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.Route != domain.RouteUnknown {
		t.Fatalf("expected unknown, got %s", decision.Route)
	}
	if decision.Route.Effective() != domain.RouteDirectLLM {
		t.Fatalf("expected unknown to be handled as direct_llm")
	}
}

func TestQueryRouterClassifierFailure(t *testing.T) {
	router := NewQueryRouter(classifierFake{err: errProviderDown})
	decision, err := router.Classify(context.Background(), "hello", domain.SessionContext{})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.Route != domain.RouteUnknown || decision.Reasoning != "classifier unavailable" {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestQueryRouterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	router := NewQueryRouter(classifierFake{err: context.Canceled})
	if _, err := router.Classify(ctx, "hello", domain.SessionContext{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestQueryRouterWithoutClassifierDefaultsToRAG(t *testing.T) {
	decision, err := NewQueryRouter(nil).Classify(context.Background(), "hello", domain.SessionContext{})
	if err != nil || decision.Route != domain.RouteRAG {
		t.Fatalf("expected rag without classifier, got %+v %v", decision, err)
	}
}
