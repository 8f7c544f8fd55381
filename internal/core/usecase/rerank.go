package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

const rerankParallelism = 4

var errNonFiniteRerankScore = errors.New("relevance scorer returned a non-finite score")

// rerankHead scores every head candidate against the query and orders them by
// rerank score, then fused score, then fusion rank, then chunk id. Any scorer
// failure fails the whole head so the caller can fall back to fused order.
func rerankHead(ctx context.Context, scorer ports.RelevanceScorer, query string, head []domain.RetrievalCandidate) ([]domain.RetrievalCandidate, error) {
	if len(head) == 0 {
		return head, nil
	}

	scores, err := scoreCandidates(ctx, scorer, query, head)
	if err != nil {
		return nil, err
	}

	out := make([]domain.RetrievalCandidate, len(head))
	copy(out, head)
	for i := range out {
		score := scores[i]
		if math.IsNaN(score) || math.IsInf(score, 0) {
			return nil, fmt.Errorf("chunk %s: %w", out[i].ChunkID, errNonFiniteRerankScore)
		}
		out[i].RerankScore = &score
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := *out[i].RerankScore, *out[j].RerankScore
		if ri != rj {
			return ri > rj
		}
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		if out[i].FusionRank != out[j].FusionRank {
			return out[i].FusionRank < out[j].FusionRank
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, nil
}

func scoreCandidates(ctx context.Context, scorer ports.RelevanceScorer, query string, head []domain.RetrievalCandidate) ([]float64, error) {
	if batch, ok := scorer.(ports.BatchRelevanceScorer); ok {
		texts := make([]string, len(head))
		for i := range head {
			texts[i] = head[i].Chunk.Text
		}
		scores, err := batch.ScoreBatch(ctx, query, texts)
		if err != nil {
			return nil, err
		}
		if len(scores) != len(head) {
			return nil, domain.WrapError(domain.ErrMalformedResponse, "rerank batch", fmt.Errorf("expected %d scores, got %d", len(head), len(scores)))
		}
		return scores, nil
	}

	scores := make([]float64, len(head))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rerankParallelism)
	for i := range head {
		g.Go(func() error {
			score, err := scorer.Score(gctx, query, head[i].Chunk.Text)
			if err != nil {
				return err
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// LexicalRelevanceScorer is the in-process relevance scorer used when no
// cross-encoder endpoint is configured. It blends query term coverage with an
// exact phrase bonus.
type LexicalRelevanceScorer struct{}

func NewLexicalRelevanceScorer() *LexicalRelevanceScorer {
	return &LexicalRelevanceScorer{}
}

func (LexicalRelevanceScorer) Score(ctx context.Context, query, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	queryTokens := contentTokenSet(query)
	coverage := tokenOverlap(queryTokens, contentTokenSet(text))
	return 0.85*coverage + 0.15*phraseHit(query, text), nil
}

func phraseHit(query, text string) float64 {
	phrase := strings.Join(QueryTokens(query), " ")
	if phrase == "" || !strings.Contains(phrase, " ") {
		return 0
	}
	normalized := strings.Join(splitAlphaNumLower(text), " ")
	if strings.Contains(normalized, phrase) {
		return 1
	}
	return 0
}
