package ports

import (
	"context"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

// Embedder builds query vectors.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator is the text generation provider.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts domain.GenerateOptions) (string, error)
}

// DenseIndex performs embedding similarity search with metadata filtering.
type DenseIndex interface {
	Query(ctx context.Context, vector []float32, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error)
}

// SparseIndex performs keyword ranking over the same chunk corpus.
type SparseIndex interface {
	Query(ctx context.Context, tokens []string, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error)
}

// RelevanceScorer scores a (query, chunk text) pair.
type RelevanceScorer interface {
	Score(ctx context.Context, query, text string) (float64, error)
}

// BatchRelevanceScorer is implemented by scorers that can rank many texts in one call.
type BatchRelevanceScorer interface {
	ScoreBatch(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Classifier maps a query onto a route.
type Classifier interface {
	Classify(ctx context.Context, query string, session domain.SessionContext) (domain.RoutingDecision, error)
}

// Decomposer splits a query into ordered sub-queries.
type Decomposer interface {
	Decompose(ctx context.Context, query string, session domain.SessionContext) []string
}

// Scorer rates a draft answer against its evidence.
type Scorer interface {
	Score(ctx context.Context, in domain.ReflectionInput) (domain.Reflection, error)
}

// ConversationMemory stores session turns.
type ConversationMemory interface {
	EnsureSession(ctx context.Context, sessionID, notebookID string) error
	GetContext(ctx context.Context, sessionID string, window int) (domain.SessionContext, error)
	Append(ctx context.Context, sessionID string, turn domain.Turn) error
}

// SessionHistory lists the newest non-empty summaries of a notebook's
// sessions, excluding one session. An empty notebook id spans all sessions.
type SessionHistory interface {
	RecentSummaries(ctx context.Context, notebookID, excludeSessionID string, limit int) ([]domain.SessionSummary, error)
}

// SessionSummaryStore is the summarization side of conversation memory.
// SummarizedThrough is the message count the stored summary covers.
type SessionSummaryStore interface {
	SessionHistory
	ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)
	CountTurns(ctx context.Context, sessionID string) (int, error)
	SummarizedThrough(ctx context.Context, sessionID string) (int, error)
	SaveSummary(ctx context.Context, sessionID, summary string, throughCount int) error
}

// CitationFormatter turns chunk provenance into display text.
type CitationFormatter interface {
	Format(chunks []domain.Chunk) []domain.Citation
	Render(citations []domain.Citation) string
}

// WebSearcher queries a public search engine.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]domain.WebResult, error)
}

// QuizDispatcher hands quiz requests to the external quiz subsystem.
type QuizDispatcher interface {
	DispatchQuiz(ctx context.Context, req domain.QuizDispatch) error
}

// TurnEventPublisher announces completed chat turns.
type TurnEventPublisher interface {
	PublishTurnCompleted(ctx context.Context, evt domain.TurnCompleted) error
}

// TurnEventSubscriber consumes completed chat turns.
type TurnEventSubscriber interface {
	SubscribeTurnCompleted(ctx context.Context, handler func(context.Context, domain.TurnCompleted) error) error
}

// EvidenceSource is what the reflection loop retrieves from for one plan.
type EvidenceSource interface {
	Gather(ctx context.Context, plan domain.Plan) (domain.RetrievalResult, []domain.RetrievalAction, error)
}
