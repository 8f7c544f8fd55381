package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

const (
	directConfidence = 0.8
	quizConfidence   = 1.0

	pastSessionsInPrompt = 3

	directTemperature = 0.3

	directUnavailableAnswer = "I couldn't reach the language model right now. Please try again in a moment."
	directCitationNote      = "💡 *This answer was generated from general knowledge, not course materials.*"
	quizDispatchAnswer      = "🎯 **Switching to Exam Mode!**\n\nI'll generate practice questions for you. " +
		"Please use the **Exam Mode** page for the full quiz experience."
)

// ChatDeps are the collaborators of ChatUseCase. Web, Quiz, Events, History
// and Summarizer may be nil.
type ChatDeps struct {
	Router     *QueryRouter
	Loop       *ReflectionLoop
	Corpus     ports.EvidenceSource
	Web        ports.EvidenceSource
	Generator  ports.Generator
	Memory     ports.ConversationMemory
	History    ports.SessionHistory
	Citations  ports.CitationFormatter
	Quiz       ports.QuizDispatcher
	Events     ports.TurnEventPublisher
	Summarizer ports.SessionSummarizer
	Gate       *SessionGate
}

type ChatUseCase struct {
	deps         ChatDeps
	memoryWindow int
}

func NewChatUseCase(deps ChatDeps, memoryWindow int) *ChatUseCase {
	if memoryWindow <= 0 {
		memoryWindow = 10
	}
	if deps.Gate == nil {
		deps.Gate = NewSessionGate()
	}
	return &ChatUseCase{deps: deps, memoryWindow: memoryWindow}
}

func (uc *ChatUseCase) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "chat", fmt.Errorf("query is required"))
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	runCtx, release, err := uc.deps.Gate.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	session := uc.loadSession(runCtx, sessionID, req.NotebookID)

	decision, err := uc.deps.Router.Classify(runCtx, query, session)
	if err != nil {
		return nil, err
	}

	var resp *domain.ChatResponse
	switch decision.Route.Effective() {
	case domain.RouteRAG:
		resp, err = uc.answerGrounded(runCtx, req, query, session, uc.deps.Corpus, false)
	case domain.RouteWebSearch:
		if uc.deps.Web == nil {
			slog.Warn("web_search_disabled", "session_id", sessionID)
			resp, err = uc.answerDirect(runCtx, query, session)
		} else {
			resp, err = uc.answerGrounded(runCtx, req, query, session, uc.deps.Web, true)
		}
	case domain.RouteQuizDispatch:
		resp = uc.dispatchQuiz(runCtx, req, query, sessionID)
	default:
		resp, err = uc.answerDirect(runCtx, query, session)
	}
	if err != nil {
		return nil, err
	}
	if resp.Route == "" {
		resp.Route = decision.Route.Effective()
	}
	resp.SessionID = sessionID
	resp.Confidence = clampConfidence(resp.Confidence)
	if resp.Citations == nil {
		resp.Citations = []domain.Citation{}
	}
	if !req.Debug {
		resp.Trace = nil
	}

	if err := runCtx.Err(); err != nil {
		return nil, err
	}
	uc.recordTurn(runCtx, sessionID, req.NotebookID, query, resp)

	slog.Info("chat_completed",
		"session_id", sessionID,
		"route", string(resp.Route),
		"route_label", decision.Label,
		"confidence", resp.Confidence,
		"iterations", resp.Iterations,
		"degraded", resp.Degraded,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return resp, nil
}

func (uc *ChatUseCase) loadSession(ctx context.Context, sessionID, notebookID string) domain.SessionContext {
	session := domain.SessionContext{SessionID: sessionID, NotebookID: notebookID}
	if uc.deps.Memory == nil {
		return session
	}
	if err := uc.deps.Memory.EnsureSession(ctx, sessionID, notebookID); err != nil {
		slog.Warn("memory_unavailable", "session_id", sessionID, "stage", "ensure", "error", err)
		return session
	}
	loaded, err := uc.deps.Memory.GetContext(ctx, sessionID, uc.memoryWindow)
	if err != nil {
		slog.Warn("memory_unavailable", "session_id", sessionID, "stage", "get_context", "error", err)
		return session
	}
	loaded.SessionID = sessionID
	if loaded.NotebookID == "" {
		loaded.NotebookID = notebookID
	}
	loaded.Past = uc.pastSessions(ctx, loaded)
	return loaded
}

func (uc *ChatUseCase) pastSessions(ctx context.Context, session domain.SessionContext) []domain.SessionSummary {
	if uc.deps.History == nil {
		return nil
	}
	past, err := uc.deps.History.RecentSummaries(ctx, session.NotebookID, session.SessionID, pastSessionsInPrompt)
	if err != nil {
		slog.Warn("memory_unavailable", "session_id", session.SessionID, "stage", "past_sessions", "error", err)
		return nil
	}
	return past
}

func (uc *ChatUseCase) answerGrounded(
	ctx context.Context,
	req domain.ChatRequest,
	query string,
	session domain.SessionContext,
	source ports.EvidenceSource,
	web bool,
) (*domain.ChatResponse, error) {
	route := domain.RouteRAG
	if web {
		route = domain.RouteWebSearch
	}
	outcome, err := uc.deps.Loop.Run(ctx, LoopRequest{
		Query:   query,
		Session: session,
		Filter:  req.SearchFilter(),
		Source:  source,
		Web:     web,
	})
	if err != nil {
		return nil, err
	}

	resp := &domain.ChatResponse{
		Answer:        outcome.Answer,
		Confidence:    outcome.Confidence,
		Route:         route,
		LowConfidence: outcome.LowConfidence,
		Degraded:      outcome.Degraded,
		Iterations:    outcome.Iterations,
		Trace:         outcome.Trace,
	}
	if outcome.NoMaterial || len(outcome.Evidence) == 0 || uc.deps.Citations == nil {
		resp.Citations = []domain.Citation{}
		return resp, nil
	}

	chunks := make([]domain.Chunk, 0, len(outcome.Evidence))
	for _, candidate := range outcome.Evidence {
		chunks = append(chunks, candidate.Chunk)
	}
	resp.Citations = uc.deps.Citations.Format(chunks)
	resp.CitationBlock = uc.deps.Citations.Render(resp.Citations)
	return resp, nil
}

func (uc *ChatUseCase) answerDirect(ctx context.Context, query string, session domain.SessionContext) (*domain.ChatResponse, error) {
	resp := &domain.ChatResponse{
		Route:      domain.RouteDirectLLM,
		Iterations: 1,
		Citations:  []domain.Citation{},
	}
	answer, err := uc.deps.Generator.Generate(ctx, buildDirectPrompt(query, session), domain.GenerateOptions{
		Temperature: directTemperature,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		slog.Warn("direct_answer_failed", "session_id", session.SessionID, "error", err)
		resp.Answer = directUnavailableAnswer
		resp.Degraded = true
		resp.LowConfidence = true
		return resp, nil
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		resp.Answer = directUnavailableAnswer
		resp.Degraded = true
		resp.LowConfidence = true
		return resp, nil
	}
	resp.Answer = answer
	resp.Confidence = directConfidence
	resp.CitationBlock = directCitationNote
	return resp, nil
}

func (uc *ChatUseCase) dispatchQuiz(ctx context.Context, req domain.ChatRequest, query, sessionID string) *domain.ChatResponse {
	resp := &domain.ChatResponse{
		Answer:     quizDispatchAnswer,
		Confidence: quizConfidence,
		Route:      domain.RouteQuizDispatch,
		Iterations: 1,
		Citations:  []domain.Citation{},
	}
	if uc.deps.Quiz == nil {
		return resp
	}
	topic := ""
	if req.Filters != nil {
		topic = req.Filters.Topic
	}
	if err := uc.deps.Quiz.DispatchQuiz(ctx, domain.QuizDispatch{
		SessionID:   sessionID,
		NotebookID:  req.NotebookID,
		Topic:       topic,
		Query:       query,
		RequestedAt: time.Now().UTC(),
	}); err != nil {
		slog.Warn("quiz_dispatch_failed", "session_id", sessionID, "error", err)
	}
	return resp
}

func (uc *ChatUseCase) recordTurn(ctx context.Context, sessionID, notebookID, query string, resp *domain.ChatResponse) {
	now := time.Now().UTC()
	if uc.deps.Memory != nil {
		if err := uc.deps.Memory.Append(ctx, sessionID, domain.Turn{Role: domain.RoleUser, Content: query, Timestamp: now}); err != nil {
			slog.Warn("memory_append_failed", "session_id", sessionID, "role", domain.RoleUser, "error", err)
		} else if err := uc.deps.Memory.Append(ctx, sessionID, domain.Turn{Role: domain.RoleAssistant, Content: resp.Answer, Timestamp: now}); err != nil {
			slog.Warn("memory_append_failed", "session_id", sessionID, "role", domain.RoleAssistant, "error", err)
		}
	}

	evt := domain.TurnCompleted{
		SessionID:  sessionID,
		NotebookID: notebookID,
		Route:      resp.Route,
		Confidence: resp.Confidence,
		OccurredAt: now,
	}
	if uc.deps.Events != nil {
		if err := uc.deps.Events.PublishTurnCompleted(ctx, evt); err != nil {
			slog.Warn("turn_event_publish_failed", "session_id", sessionID, "error", err)
		}
		return
	}
	if uc.deps.Summarizer != nil {
		if _, err := uc.deps.Summarizer.SummarizeIfDue(ctx, sessionID); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("session_summary_failed", "session_id", sessionID, "error", err)
		}
	}
}
