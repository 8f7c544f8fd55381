package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

const (
	degradedDenseUnavailable  = "dense_unavailable"
	degradedSparseUnavailable = "sparse_unavailable"
	degradedRerankUnavailable = "rerank_unavailable"

	// rerankBudgetShare is the part of the caller's remaining deadline the
	// reranker may spend; the rest is kept for the fused fallback and the
	// steps that follow.
	rerankBudgetShare = 0.5
)

// HybridRetriever runs one retrieval round: dense and sparse lookups in
// parallel, reciprocal rank fusion, then reranking of the fused head.
type HybridRetriever struct {
	embedder ports.Embedder
	dense    ports.DenseIndex
	sparse   ports.SparseIndex
	reranker ports.RelevanceScorer
	limits   domain.RetrievalLimits
}

func NewHybridRetriever(
	embedder ports.Embedder,
	dense ports.DenseIndex,
	sparse ports.SparseIndex,
	reranker ports.RelevanceScorer,
	limits domain.RetrievalLimits,
) *HybridRetriever {
	return &HybridRetriever{
		embedder: embedder,
		dense:    dense,
		sparse:   sparse,
		reranker: reranker,
		limits:   normalizeRetrievalLimits(limits),
	}
}

func normalizeRetrievalLimits(limits domain.RetrievalLimits) domain.RetrievalLimits {
	if limits.TopKRetrieval <= 0 {
		limits.TopKRetrieval = 10
	}
	if limits.TopKRerank <= 0 {
		limits.TopKRerank = 5
	}
	if limits.RRFK <= 0 {
		limits.RRFK = defaultRRFK
	}
	if limits.RerankHeadroom <= 0 {
		limits.RerankHeadroom = 2
	}
	return limits
}

func (r *HybridRetriever) Limits() domain.RetrievalLimits {
	return r.limits
}

// Retrieve returns at most topKRerank candidates ordered by non-increasing
// final score. Provider failures degrade the result instead of failing it.
// A rerank that runs out of time falls back to the fused ranking; only an
// empty query or caller cancellation is returned as an error.
func (r *HybridRetriever) Retrieve(
	ctx context.Context,
	query string,
	filter domain.SearchFilter,
	topKRetrieval int,
	topKRerank int,
) (domain.RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.RetrievalResult{}, domain.WrapError(domain.ErrInvalidInput, "hybrid retrieve", fmt.Errorf("query is required"))
	}
	if topKRetrieval <= 0 {
		topKRetrieval = r.limits.TopKRetrieval
	}
	if topKRerank <= 0 {
		topKRerank = r.limits.TopKRerank
	}

	var (
		denseHits, sparseHits []domain.IndexHit
		denseErr, sparseErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseHits, denseErr = r.queryDense(gctx, query, topKRetrieval, filter)
		return nil
	})
	g.Go(func() error {
		sparseHits, sparseErr = r.querySparse(gctx, query, topKRetrieval, filter)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return domain.RetrievalResult{}, err
	}

	result := domain.RetrievalResult{}
	if denseErr != nil {
		result.MarkDegraded(degradedDenseUnavailable)
		slog.Warn("retrieval_degraded", "stage", "dense", "error", denseErr)
	}
	if sparseErr != nil {
		result.MarkDegraded(degradedSparseUnavailable)
		slog.Warn("retrieval_degraded", "stage", "sparse", "error", sparseErr)
	}

	fused := fuseRRF(denseHits, sparseHits, r.limits.RRFK)
	if len(fused) == 0 {
		result.Candidates = []domain.RetrievalCandidate{}
		return result, nil
	}
	if r.reranker == nil {
		result.Candidates = trimCandidates(fused, topKRerank)
		return result, nil
	}

	headSize := topKRerank * r.limits.RerankHeadroom
	if headSize < topKRerank {
		headSize = topKRerank
	}
	head := trimCandidates(fused, headSize)

	rerankCtx, cancel := r.rerankContext(ctx)
	reranked, err := rerankHead(rerankCtx, r.reranker, query, head)
	cancel()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return domain.RetrievalResult{}, ctx.Err()
		}
		result.MarkDegraded(degradedRerankUnavailable)
		slog.Warn("retrieval_degraded", "stage", "rerank", "candidates", len(head), "error", err)
		result.Candidates = trimCandidates(fused, topKRerank)
		return result, nil
	}

	result.Candidates = trimCandidates(reranked, topKRerank)
	return result, nil
}

// rerankContext bounds reranking by RerankTimeout and by a share of the
// caller's remaining deadline, whichever is shorter.
func (r *HybridRetriever) rerankContext(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := r.limits.RerankTimeout
	if deadline, ok := ctx.Deadline(); ok {
		share := time.Duration(float64(time.Until(deadline)) * rerankBudgetShare)
		if share <= 0 {
			share = time.Nanosecond
		}
		if budget <= 0 || share < budget {
			budget = share
		}
	}
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

func (r *HybridRetriever) queryDense(ctx context.Context, query string, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	if r.embedder == nil || r.dense == nil {
		return nil, nil
	}
	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vector) == 0 {
		return nil, domain.WrapError(domain.ErrMalformedResponse, "embed query", fmt.Errorf("empty embedding"))
	}
	hits, err := r.dense.Query(ctx, vector, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("dense query: %w", err)
	}
	return trimHits(hits, topK), nil
}

func (r *HybridRetriever) querySparse(ctx context.Context, query string, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	if r.sparse == nil {
		return nil, nil
	}
	tokens := QueryTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	hits, err := r.sparse.Query(ctx, tokens, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("sparse query: %w", err)
	}
	return trimHits(hits, topK), nil
}

func trimHits(hits []domain.IndexHit, limit int) []domain.IndexHit {
	if limit <= 0 || len(hits) <= limit {
		return hits
	}
	return hits[:limit]
}
