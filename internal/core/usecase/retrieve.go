package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

const maxRetrieveTopK = 50

// RetrieveUseCase runs a single hybrid retrieval round outside the chat flow.
type RetrieveUseCase struct {
	retriever *HybridRetriever
}

func NewRetrieveUseCase(retriever *HybridRetriever) *RetrieveUseCase {
	return &RetrieveUseCase{retriever: retriever}
}

func (uc *RetrieveUseCase) Retrieve(ctx context.Context, req domain.RetrieveRequest) (domain.RetrievalResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return domain.RetrievalResult{}, domain.WrapError(domain.ErrInvalidInput, "retrieve", fmt.Errorf("query is required"))
	}
	if req.TopK < 0 || req.TopK > maxRetrieveTopK {
		return domain.RetrievalResult{}, domain.WrapError(domain.ErrInvalidInput, "retrieve", fmt.Errorf("top_k must be between 1 and %d", maxRetrieveTopK))
	}

	limits := uc.retriever.Limits()
	topKRerank := limits.TopKRerank
	topKRetrieval := limits.TopKRetrieval
	if req.TopK > 0 {
		topKRerank = req.TopK
		if topKRetrieval < topKRerank {
			topKRetrieval = topKRerank
		}
	}

	result, err := uc.retriever.Retrieve(ctx, query, req.SearchFilter(), topKRetrieval, topKRerank)
	if err != nil {
		return domain.RetrievalResult{}, err
	}
	slog.Info("retrieve_completed",
		"candidates", len(result.Candidates),
		"top_k", topKRerank,
		"degraded", result.Degraded,
	)
	return result, nil
}
