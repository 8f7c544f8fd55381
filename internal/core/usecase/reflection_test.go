package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

func testLimits(maxIterations int) domain.ReflectionLimits {
	return domain.ReflectionLimits{
		MaxIterations:       maxIterations,
		ConfidenceThreshold: 0.6,
		MaxSubQueries:       4,
		StepTimeout:         time.Second,
	}
}

func withEvidence(ids ...string) *sourceFake {
	return &sourceFake{results: []domain.RetrievalResult{{Candidates: candidatesFor(ids...)}}}
}

func TestReflectionLoopStopsOnConfidentDraft(t *testing.T) {
	gen := &generatorFake{def: "Osmosis is the diffusion of water [1]."}
	scorer := &scorerFake{results: []domain.Reflection{{Confidence: 0.9}}}
	loop := NewReflectionLoop(NewRuleDecomposer(4), gen, scorer, testLimits(2))

	out, err := loop.Run(context.Background(), LoopRequest{Query: "What is osmosis?", Source: withEvidence("c1")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Trace.RevisionCount != 0 || out.Iterations != 1 {
		t.Fatalf("expected a single cycle, got revisions=%d iterations=%d", out.Trace.RevisionCount, out.Iterations)
	}
	if out.Confidence != 0.9 || out.LowConfidence || out.Degraded {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Answer != "Osmosis is the diffusion of water [1]." || len(out.Evidence) != 1 {
		t.Fatalf("unexpected answer %q evidence=%d", out.Answer, len(out.Evidence))
	}
	if gen.options[0].Temperature != draftTemperature {
		t.Fatalf("expected draft temperature %v, got %v", draftTemperature, gen.options[0].Temperature)
	}
}

func TestReflectionLoopBoundedIterations(t *testing.T) {
	gen := &generatorFake{def: "draft"}
	scorer := &scorerFake{results: []domain.Reflection{
		{Confidence: 0.2, RetryQuery: "osmosis definition", Actionable: true},
		{Confidence: 0.3, RetryQuery: "water potential", Actionable: true},
		{Confidence: 0.1, RetryQuery: "membranes", Actionable: true},
	}}
	source := withEvidence("c1", "c2")
	loop := NewReflectionLoop(NewRuleDecomposer(4), gen, scorer, testLimits(2))

	out, err := loop.Run(context.Background(), LoopRequest{Query: "What is osmosis?", Source: source})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Iterations != 3 || len(source.plans) != 3 {
		t.Fatalf("expected 3 cycles, got %d (%d gathers)", out.Iterations, len(source.plans))
	}
	if out.Trace.RevisionCount != 2 {
		t.Fatalf("expected revision count 2, got %d", out.Trace.RevisionCount)
	}
	if !out.LowConfidence || out.Confidence != 0.3 {
		t.Fatalf("expected best low confidence 0.3, got %f low=%v", out.Confidence, out.LowConfidence)
	}
	if source.plans[1].Query != "osmosis definition" || source.plans[2].Query != "water potential" {
		t.Fatalf("expected retry queries to drive the plan, got %q %q", source.plans[1].Query, source.plans[2].Query)
	}
}

func TestReflectionLoopReturnsBestDraft(t *testing.T) {
	gen := &generatorFake{
		def: "first draft",
		replies: []generatorReply{
			{marker: "crit-two", text: "third draft"},
			{marker: "crit-one", text: "second draft"},
		},
	}
	scorer := &scorerFake{results: []domain.Reflection{
		{Confidence: 0.3, Critique: "crit-one", RetryQuery: "q2", Actionable: true},
		{Confidence: 0.5, Critique: "crit-two", RetryQuery: "q3", Actionable: true},
		{Confidence: 0.4, Critique: "crit-three", Actionable: true},
	}}
	loop := NewReflectionLoop(nil, gen, scorer, testLimits(2))

	out, err := loop.Run(context.Background(), LoopRequest{Query: "q1", Source: withEvidence("c1")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Answer != "second draft" || out.Confidence != 0.5 {
		t.Fatalf("expected second draft at 0.5, got %q %f", out.Answer, out.Confidence)
	}
}

func TestReflectionLoopNoMaterial(t *testing.T) {
	gen := &generatorFake{def: "should not be called"}
	scorer := &scorerFake{}
	loop := NewReflectionLoop(NewRuleDecomposer(4), gen, scorer, testLimits(2))

	out, err := loop.Run(context.Background(), LoopRequest{
		Query:  "What is osmosis?",
		Filter: domain.SearchFilter{NotebookID: "nb-1"},
		Source: &sourceFake{},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Answer != NoMaterialAnswer || out.Confidence != 0 || !out.NoMaterial || len(out.Evidence) != 0 {
		t.Fatalf("unexpected no-material outcome %+v", out)
	}
	if gen.calls() != 0 || len(scorer.inputs) != 0 {
		t.Fatalf("expected no generation or scoring calls")
	}
	if out.Iterations != 1 {
		t.Fatalf("expected to stop after one cycle without a broader filter, got %d", out.Iterations)
	}
}

func TestReflectionLoopBroadensFilterOnEmptyEvidence(t *testing.T) {
	source := &sourceFake{results: []domain.RetrievalResult{
		{Candidates: []domain.RetrievalCandidate{}},
		{Candidates: candidatesFor("c1")},
	}}
	scorer := &scorerFake{results: []domain.Reflection{{Confidence: 0.8}}}
	loop := NewReflectionLoop(NewRuleDecomposer(4), &generatorFake{def: "answer"}, scorer, testLimits(2))

	out, err := loop.Run(context.Background(), LoopRequest{
		Query:  "What is osmosis?",
		Filter: domain.SearchFilter{NotebookID: "nb-1", Topic: "biology"},
		Source: source,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(source.plans) != 2 {
		t.Fatalf("expected a second gather, got %d", len(source.plans))
	}
	broadened := source.plans[1].Filter
	if broadened.Topic != "" || broadened.NotebookID != "nb-1" {
		t.Fatalf("expected topic dropped and notebook kept, got %+v", broadened)
	}
	if out.Answer != "answer" || out.Confidence != 0.8 || out.Trace.RevisionCount != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestReflectionLoopDegradedIterationRetries(t *testing.T) {
	source := &sourceFake{
		errs:    []error{errProviderDown},
		results: []domain.RetrievalResult{{Candidates: candidatesFor("c1")}},
	}
	scorer := &scorerFake{results: []domain.Reflection{{Confidence: 0.9}}}
	loop := NewReflectionLoop(nil, &generatorFake{def: "recovered"}, scorer, testLimits(2))

	out, err := loop.Run(context.Background(), LoopRequest{Query: "What is osmosis?", Source: source})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Answer != "recovered" || !out.Degraded {
		t.Fatalf("expected recovered degraded run, got %+v", out)
	}
	first := out.Trace.Reflections[0]
	if !first.Degraded || first.Confidence != 0 || first.Reason != reasonRetrievalFailed {
		t.Fatalf("expected degraded first iteration, got %+v", first)
	}
}

func TestReflectionLoopRerankTimeoutDraftsFromFusedEvidence(t *testing.T) {
	corpus := studyCorpus()
	retriever := newTestRetriever(corpus, &embedderFake{}, &relevanceFake{block: true})
	source := NewCorpusEvidence(NewMultiHopRetriever(retriever), domain.RetrievalLimits{})
	gen := &generatorFake{def: "Chloroplasts host photosynthesis [1]."}
	scorer := &scorerFake{results: []domain.Reflection{{Confidence: 0.9}}}
	limits := testLimits(0)
	limits.StepTimeout = 50 * time.Millisecond
	loop := NewReflectionLoop(nil, gen, scorer, limits)

	out, err := loop.Run(context.Background(), LoopRequest{Query: "photosynthesis", Source: source})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Answer != "Chloroplasts host photosynthesis [1]." {
		t.Fatalf("expected a drafted answer, got %q", out.Answer)
	}
	if len(out.Evidence) == 0 || !out.Degraded {
		t.Fatalf("expected degraded fused evidence, got evidence=%d degraded=%v", len(out.Evidence), out.Degraded)
	}
	if obs := out.Trace.Observations[0]; obs.Degraded || len(obs.Candidates) == 0 {
		t.Fatalf("retrieval should not fail the iteration, got %+v", obs)
	}
}

func TestReflectionLoopScorerFailureDegradesIteration(t *testing.T) {
	scorer := &scorerFake{errs: []error{errProviderDown, errProviderDown, errProviderDown}}
	loop := NewReflectionLoop(nil, &generatorFake{def: "draft"}, scorer, testLimits(1))

	out, err := loop.Run(context.Background(), LoopRequest{Query: "What is osmosis?", Source: withEvidence("c1")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Degraded || out.Confidence != 0 || !out.LowConfidence {
		t.Fatalf("unexpected outcome %+v", out)
	}
	for _, entry := range out.Trace.Reflections {
		if entry.Reason != reasonReflectFailed || entry.Confidence != 0 {
			t.Fatalf("expected reflect_failed entries, got %+v", entry)
		}
	}
	if out.Iterations != 2 {
		t.Fatalf("expected MaxIterations+1 cycles, got %d", out.Iterations)
	}
}

func TestReflectionLoopNonActionableCritiqueStops(t *testing.T) {
	scorer := &scorerFake{results: []domain.Reflection{{Confidence: 0.4, Critique: "fine as is", Actionable: false}}}
	loop := NewReflectionLoop(NewRuleDecomposer(4), &generatorFake{def: "draft"}, scorer, testLimits(2))

	out, err := loop.Run(context.Background(), LoopRequest{Query: "What is osmosis?", Source: withEvidence("c1")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Iterations != 1 || !out.LowConfidence {
		t.Fatalf("expected early stop with low confidence, got %+v", out)
	}
}

func TestReflectionLoopDecomposesMultiHopQuery(t *testing.T) {
	source := withEvidence("c1")
	scorer := &scorerFake{results: []domain.Reflection{{Confidence: 0.9}}}
	loop := NewReflectionLoop(NewRuleDecomposer(4), &generatorFake{def: "draft"}, scorer, testLimits(2))

	out, err := loop.Run(context.Background(), LoopRequest{Query: "Compare photosynthesis and respiration", Source: source})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(source.plans[0].SubQueries) < 2 || !source.plans[0].Decomposed {
		t.Fatalf("expected decomposed first plan, got %+v", source.plans[0])
	}
	if len(out.Trace.Plan) < 2 {
		t.Fatalf("expected plan in trace, got %v", out.Trace.Plan)
	}
}

func TestReflectionLoopCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop := NewReflectionLoop(nil, &generatorFake{def: "draft"}, &scorerFake{}, testLimits(2))
	_, err := loop.Run(ctx, LoopRequest{Query: "q", Source: withEvidence("c1")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestReflectionLoopRejectsEmptyQuery(t *testing.T) {
	loop := NewReflectionLoop(nil, &generatorFake{}, &scorerFake{}, testLimits(2))
	if _, err := loop.Run(context.Background(), LoopRequest{Query: " ", Source: &sourceFake{}}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestReflectionLoopBoundsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxIterations := rapid.IntRange(0, 4).Draw(rt, "max_iterations")
		cycles := maxIterations + 1
		results := make([]domain.Reflection, cycles)
		for i := range results {
			confidence := rapid.SampledFrom([]float64{math.NaN(), -0.5, 0, 0.3, 0.59, 0.6, 0.95, 1.7}).Draw(rt, fmt.Sprintf("confidence_%d", i))
			results[i] = domain.Reflection{
				Confidence: confidence,
				RetryQuery: fmt.Sprintf("retry %d", i),
				Actionable: rapid.Bool().Draw(rt, fmt.Sprintf("actionable_%d", i)),
			}
		}
		source := withEvidence("c1", "c2")
		loop := NewReflectionLoop(NewRuleDecomposer(4), &generatorFake{def: "draft"}, &scorerFake{results: results}, testLimits(maxIterations))

		out, err := loop.Run(context.Background(), LoopRequest{Query: "What is osmosis?", Source: source})
		if err != nil {
			rt.Fatalf("Run() error = %v", err)
		}
		if out.Confidence < 0 || out.Confidence > 1 || math.IsNaN(out.Confidence) {
			rt.Fatalf("confidence out of bounds: %f", out.Confidence)
		}
		if out.Iterations > cycles || len(source.plans) > cycles {
			rt.Fatalf("ran %d cycles, bound %d", out.Iterations, cycles)
		}
		if out.Trace.RevisionCount > maxIterations {
			rt.Fatalf("revision count %d exceeds %d", out.Trace.RevisionCount, maxIterations)
		}
		for _, entry := range out.Trace.Reflections {
			if entry.Confidence < 0 || entry.Confidence > 1 {
				rt.Fatalf("trace confidence out of bounds: %f", entry.Confidence)
			}
		}
		if out.LowConfidence != (out.Confidence < 0.6) {
			rt.Fatalf("low confidence flag %v does not match %f", out.LowConfidence, out.Confidence)
		}
	})
}
