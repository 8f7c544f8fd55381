package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

const (
	NoMaterialAnswer       = "I couldn't find relevant information in the uploaded course materials. Please check that the relevant notes have been uploaded."
	NoWebResultsAnswer     = "I couldn't find relevant information on the web for this question. Try rephrasing it or asking about your course materials."
	draftUnavailableAnswer = "I couldn't put together an answer right now. Please try again in a moment."

	draftTemperature = 0.3
)

const (
	reasonRetrievalFailed = "retrieval_failed"
	reasonDraftFailed     = "draft_failed"
	reasonReflectFailed   = "reflect_failed"
)

// LoopRequest is one grounded-answer run.
type LoopRequest struct {
	Query          string
	Session        domain.SessionContext
	Filter         domain.SearchFilter
	Source         ports.EvidenceSource
	Web            bool
	ForceDecompose bool
}

// ReflectionLoop drives Plan, Act, Observe and Reflect for at most
// MaxIterations+1 cycles and returns the highest-confidence draft.
type ReflectionLoop struct {
	decomposer ports.Decomposer
	generator  ports.Generator
	scorer     ports.Scorer
	limits     domain.ReflectionLimits
}

func NewReflectionLoop(
	decomposer ports.Decomposer,
	generator ports.Generator,
	scorer ports.Scorer,
	limits domain.ReflectionLimits,
) *ReflectionLoop {
	if limits.MaxIterations < 0 {
		limits.MaxIterations = 2
	}
	if limits.ConfidenceThreshold <= 0 || limits.ConfidenceThreshold > 1 || math.IsNaN(limits.ConfidenceThreshold) {
		limits.ConfidenceThreshold = 0.6
	}
	if limits.StepTimeout <= 0 {
		limits.StepTimeout = 45 * time.Second
	}
	if limits.MaxSubQueries <= 0 {
		limits.MaxSubQueries = defaultMaxSubQueries
	}
	return &ReflectionLoop{
		decomposer: decomposer,
		generator:  generator,
		scorer:     scorer,
		limits:     limits,
	}
}

func (l *ReflectionLoop) Limits() domain.ReflectionLimits {
	return l.limits
}

type iterationResult struct {
	index      int
	draft      string
	confidence float64
	candidates []domain.RetrievalCandidate
	noMaterial bool
	degraded   bool

	retrievalDegraded bool
}

func (r iterationResult) usable() bool {
	return r.index >= 0 && strings.TrimSpace(r.draft) != ""
}

// betterThan keeps the earliest draft on equal confidence unless the earlier
// one is unusable or had no material while this one does.
func (r iterationResult) betterThan(best iterationResult) bool {
	if !r.usable() {
		return false
	}
	if !best.usable() || r.confidence > best.confidence {
		return true
	}
	return r.confidence == best.confidence && best.noMaterial && !r.noMaterial
}

func (l *ReflectionLoop) Run(ctx context.Context, req LoopRequest) (*domain.ReflectionOutcome, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "reflection loop", fmt.Errorf("query is required"))
	}
	if req.Source == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "reflection loop", fmt.Errorf("evidence source is required"))
	}

	trace := &domain.AgentTrace{
		Plan:         []string{},
		Actions:      []domain.RetrievalAction{},
		Observations: []domain.Observation{},
		Reflections:  []domain.ReflectionEntry{},
	}
	best := iterationResult{index: -1}
	anyDegraded := false
	critique := ""

	plan, err := l.initialPlan(ctx, req)
	if err != nil {
		return nil, err
	}

	for iteration := 0; iteration <= l.limits.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trace.Plan = append([]string(nil), plan.SubQueries...)

		// ACT
		current, actions, err := l.act(ctx, req, plan, critique, iteration)
		if err != nil {
			return nil, err
		}
		trace.Actions = append(trace.Actions, actions...)

		// OBSERVE
		observation := domain.Observation{
			Iteration:  iteration,
			Candidates: current.candidates,
			Draft:      current.draft,
			NoMaterial: current.noMaterial,
			Degraded:   current.degraded,
		}
		if current.degraded {
			observation.Reason = degradedReason(current)
		}
		trace.Observations = append(trace.Observations, observation)

		// REFLECT
		reflection, reflectDegraded, err := l.reflect(ctx, req, current)
		if err != nil {
			return nil, err
		}
		if reflectDegraded {
			current.degraded = true
		}
		current.confidence = clampConfidence(reflection.Confidence)
		if current.degraded || current.noMaterial {
			current.confidence = 0
		}
		entry := domain.ReflectionEntry{
			Iteration:  iteration,
			Confidence: current.confidence,
			Critique:   reflection.Critique,
			Degraded:   current.degraded,
		}
		if reflectDegraded {
			entry.Reason = reasonReflectFailed
		} else if current.degraded {
			entry.Reason = observation.Reason
		}
		trace.Reflections = append(trace.Reflections, entry)
		anyDegraded = anyDegraded || current.degraded || current.retrievalDegraded

		if current.betterThan(best) {
			best = current
		}

		slog.Debug("reflection_iteration",
			"iteration", iteration,
			"sub_queries", len(plan.SubQueries),
			"candidates", len(current.candidates),
			"confidence", current.confidence,
			"degraded", current.degraded,
		)

		// REVISE or DONE
		if current.confidence >= l.limits.ConfidenceThreshold || iteration == l.limits.MaxIterations {
			break
		}
		if !reflection.Actionable && !current.degraded {
			break
		}
		next, err := l.revisePlan(ctx, req, plan, reflection, current)
		if err != nil {
			return nil, err
		}
		if next.Equal(plan) && !current.degraded {
			break
		}
		plan = next
		critique = reflection.Critique
		trace.RevisionCount++
	}

	outcome := &domain.ReflectionOutcome{
		Answer:        best.draft,
		Confidence:    clampConfidence(best.confidence),
		Evidence:      best.candidates,
		NoMaterial:    best.noMaterial,
		LowConfidence: best.confidence < l.limits.ConfidenceThreshold,
		Degraded:      anyDegraded,
		Iterations:    len(trace.Observations),
		Trace:         trace,
	}
	if !best.usable() {
		outcome.Answer = draftUnavailableAnswer
		outcome.Confidence = 0
		outcome.Evidence = nil
		outcome.LowConfidence = true
	}
	if outcome.Evidence == nil {
		outcome.Evidence = []domain.RetrievalCandidate{}
	}
	return outcome, nil
}

func (l *ReflectionLoop) initialPlan(ctx context.Context, req LoopRequest) (domain.Plan, error) {
	plan := domain.Plan{
		Query:      req.Query,
		SubQueries: []string{req.Query},
		Filter:     req.Filter,
	}
	if l.decomposer == nil || !(req.ForceDecompose || ShouldDecompose(req.Query)) {
		return plan, nil
	}
	subQueries, err := l.decompose(ctx, req.Query, req.Session)
	if err != nil {
		return domain.Plan{}, err
	}
	plan.SubQueries = subQueries
	plan.Decomposed = true
	return plan, nil
}

// revisePlan applies the critique: a suggested query replaces the current
// one, missing evidence broadens the filter, and an undecomposed plan is
// escalated to multi-hop retrieval.
func (l *ReflectionLoop) revisePlan(ctx context.Context, req LoopRequest, plan domain.Plan, reflection domain.Reflection, current iterationResult) (domain.Plan, error) {
	next := plan
	next.SubQueries = append([]string(nil), plan.SubQueries...)

	if retry := strings.TrimSpace(reflection.RetryQuery); retry != "" {
		next.Query = retry
	}
	if (current.noMaterial || reflection.Insufficient) && next.Filter.CanBroaden() {
		next.Filter = next.Filter.Broaden()
	}

	switch {
	case !plan.Decomposed && !current.noMaterial && l.decomposer != nil:
		subQueries, err := l.decompose(ctx, next.Query, req.Session)
		if err != nil {
			return domain.Plan{}, err
		}
		next.SubQueries = subQueries
		next.Decomposed = true
	case next.Query != plan.Query && plan.Decomposed && l.decomposer != nil:
		subQueries, err := l.decompose(ctx, next.Query, req.Session)
		if err != nil {
			return domain.Plan{}, err
		}
		next.SubQueries = subQueries
	case next.Query != plan.Query:
		next.SubQueries = []string{next.Query}
	}
	return next, nil
}

func (l *ReflectionLoop) decompose(ctx context.Context, query string, session domain.SessionContext) ([]string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, l.limits.StepTimeout)
	subQueries := l.decomposer.Decompose(stepCtx, query, session)
	cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subQueries = cleanSubQueries(subQueries, l.limits.MaxSubQueries)
	if len(subQueries) == 0 {
		return []string{query}, nil
	}
	return subQueries, nil
}

func (l *ReflectionLoop) act(ctx context.Context, req LoopRequest, plan domain.Plan, critique string, iteration int) (iterationResult, []domain.RetrievalAction, error) {
	current := iterationResult{index: iteration}

	stepCtx, cancel := context.WithTimeout(ctx, l.limits.StepTimeout)
	result, actions, err := req.Source.Gather(stepCtx, plan)
	cancel()
	for i := range actions {
		actions[i].Iteration = iteration
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return iterationResult{}, nil, ctxErr
		}
		slog.Warn("reflection_act_degraded", "iteration", iteration, "stage", "retrieve", "error", err)
		current.degraded = true
		current.draft = ""
		current.candidates = []domain.RetrievalCandidate{}
		return current, actions, nil
	}

	current.candidates = result.Candidates
	current.retrievalDegraded = result.Degraded
	if current.candidates == nil {
		current.candidates = []domain.RetrievalCandidate{}
	}
	if len(current.candidates) == 0 {
		current.noMaterial = true
		current.draft = NoMaterialAnswer
		if req.Web {
			current.draft = NoWebResultsAnswer
		}
		current.degraded = result.Degraded
		return current, actions, nil
	}

	stepCtx, cancel = context.WithTimeout(ctx, l.limits.StepTimeout)
	draft, err := l.generator.Generate(stepCtx, buildDraftPrompt(req.Query, req.Session, current.candidates, critique, req.Web), domain.GenerateOptions{
		Temperature: draftTemperature,
	})
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return iterationResult{}, nil, ctxErr
		}
		slog.Warn("reflection_act_degraded", "iteration", iteration, "stage", "draft", "error", err)
		current.degraded = true
		current.draft = ""
		return current, actions, nil
	}
	current.draft = strings.TrimSpace(draft)
	if current.draft == "" {
		current.degraded = true
	}
	return current, actions, nil
}

func (l *ReflectionLoop) reflect(ctx context.Context, req LoopRequest, current iterationResult) (domain.Reflection, bool, error) {
	if current.noMaterial {
		verdict := noEvidenceReflection()
		verdict.Actionable = req.Filter.CanBroaden()
		return verdict, false, nil
	}
	if current.degraded {
		return domain.Reflection{Confidence: 0, Critique: "previous attempt failed before an answer could be checked", Actionable: true}, false, nil
	}

	evidence := make([]domain.Chunk, 0, len(current.candidates))
	for _, c := range current.candidates {
		evidence = append(evidence, c.Chunk)
	}

	stepCtx, cancel := context.WithTimeout(ctx, l.limits.StepTimeout)
	reflection, err := l.scorer.Score(stepCtx, domain.ReflectionInput{
		Query:    req.Query,
		Draft:    current.draft,
		Evidence: evidence,
	})
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Reflection{}, false, ctxErr
		}
		slog.Warn("reflection_reflect_degraded", "iteration", current.index, "error", err)
		return domain.Reflection{Confidence: 0, Critique: "answer could not be scored", Actionable: true}, true, nil
	}
	reflection.Confidence = clampConfidence(reflection.Confidence)
	return reflection, false, nil
}

func degradedReason(r iterationResult) string {
	switch {
	case r.noMaterial:
		return reasonRetrievalFailed
	case r.draft == "" && len(r.candidates) == 0:
		return reasonRetrievalFailed
	default:
		return reasonDraftFailed
	}
}
