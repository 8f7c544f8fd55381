package ports

import (
	"context"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

// ChatService is the primary entry point used by the API and MCP adapters.
type ChatService interface {
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

// RetrievalService exposes one hybrid retrieval round outside the reflection loop.
type RetrievalService interface {
	Retrieve(ctx context.Context, req domain.RetrieveRequest) (domain.RetrievalResult, error)
}

// SessionSummarizer condenses long conversations in the background.
type SessionSummarizer interface {
	SummarizeIfDue(ctx context.Context, sessionID string) (bool, error)
}
