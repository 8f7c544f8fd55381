package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

const summaryTemperature = 0.3

// SummarizeUseCase condenses a session once 2*interval messages have been
// stored since the last summary. Progress is tracked by the stored message
// count rather than by event order, so late or lost turn events never skip
// a summary.
type SummarizeUseCase struct {
	store     ports.SessionSummaryStore
	memory    ports.ConversationMemory
	generator ports.Generator
	interval  int
}

func NewSummarizeUseCase(
	store ports.SessionSummaryStore,
	memory ports.ConversationMemory,
	generator ports.Generator,
	interval int,
) *SummarizeUseCase {
	if interval <= 0 {
		interval = 5
	}
	return &SummarizeUseCase{
		store:     store,
		memory:    memory,
		generator: generator,
		interval:  interval,
	}
}

func (uc *SummarizeUseCase) SummarizeIfDue(ctx context.Context, sessionID string) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return false, domain.WrapError(domain.ErrInvalidInput, "summarize session", fmt.Errorf("session_id is required"))
	}

	count, err := uc.store.CountTurns(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("count turns: %w", err)
	}
	through, err := uc.store.SummarizedThrough(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("summarized through: %w", err)
	}
	if through > count {
		through = 0
	}
	pending := count - through
	if pending < uc.interval*2 {
		return false, nil
	}
	if limit := uc.interval * 4; pending > limit {
		pending = limit
	}

	turns, err := uc.store.ListTurns(ctx, sessionID, pending)
	if err != nil {
		return false, fmt.Errorf("list turns: %w", err)
	}
	if len(turns) == 0 {
		return false, nil
	}

	previous := ""
	if uc.memory != nil {
		session, err := uc.memory.GetContext(ctx, sessionID, 0)
		if err != nil {
			slog.Warn("summary_previous_unavailable", "session_id", sessionID, "error", err)
		} else {
			previous = session.Summary
		}
	}

	summary, err := uc.generator.Generate(ctx, buildSummaryPrompt(previous, turns), domain.GenerateOptions{
		Temperature: summaryTemperature,
	})
	if err != nil {
		return false, fmt.Errorf("generate summary: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return false, domain.WrapError(domain.ErrMalformedResponse, "summarize session", fmt.Errorf("empty summary"))
	}
	if err := uc.store.SaveSummary(ctx, sessionID, summary, count); err != nil {
		return false, fmt.Errorf("save summary: %w", err)
	}

	slog.Info("session_summarized", "session_id", sessionID, "turns", len(turns), "through", count)
	return true, nil
}
