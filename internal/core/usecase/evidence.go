package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

const degradedWebUnavailable = "web_search_unavailable"

// CorpusEvidence gathers evidence from the indexed course materials.
type CorpusEvidence struct {
	multiHop *MultiHopRetriever
	limits   domain.RetrievalLimits
}

func NewCorpusEvidence(multiHop *MultiHopRetriever, limits domain.RetrievalLimits) *CorpusEvidence {
	return &CorpusEvidence{multiHop: multiHop, limits: normalizeRetrievalLimits(limits)}
}

func (e *CorpusEvidence) Gather(ctx context.Context, plan domain.Plan) (domain.RetrievalResult, []domain.RetrievalAction, error) {
	subQueries := plan.SubQueries
	if len(subQueries) == 0 {
		subQueries = []string{plan.Query}
	}
	return e.multiHop.Retrieve(ctx, subQueries, plan.Filter, e.limits.TopKRetrieval, e.limits.TopKRerank)
}

// WebEvidence turns web search results into evidence candidates. A failed
// search degrades to an empty result.
type WebEvidence struct {
	searcher   ports.WebSearcher
	maxResults int
}

func NewWebEvidence(searcher ports.WebSearcher, maxResults int) *WebEvidence {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &WebEvidence{searcher: searcher, maxResults: maxResults}
}

func (e *WebEvidence) Gather(ctx context.Context, plan domain.Plan) (domain.RetrievalResult, []domain.RetrievalAction, error) {
	subQueries := plan.SubQueries
	if len(subQueries) == 0 {
		subQueries = []string{plan.Query}
	}

	result := domain.RetrievalResult{Candidates: []domain.RetrievalCandidate{}}
	actions := make([]domain.RetrievalAction, 0, len(subQueries))
	lists := make([][]domain.RetrievalCandidate, 0, len(subQueries))
	for _, q := range subQueries {
		if err := ctx.Err(); err != nil {
			return domain.RetrievalResult{}, nil, err
		}
		hits, err := e.searcher.Search(ctx, q, e.maxResults)
		action := domain.RetrievalAction{Query: q, Results: len(hits)}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.RetrievalResult{}, nil, ctxErr
			}
			slog.Warn("retrieval_degraded", "stage", "web_search", "error", err)
			result.MarkDegraded(degradedWebUnavailable)
			action.Degraded = true
			actions = append(actions, action)
			continue
		}
		actions = append(actions, action)
		lists = append(lists, webCandidates(hits))
	}
	result.Candidates = mergeByChunkID(lists, e.maxResults*len(subQueries))
	return result, actions, nil
}

func webCandidates(results []domain.WebResult) []domain.RetrievalCandidate {
	out := make([]domain.RetrievalCandidate, 0, len(results))
	for i, r := range results {
		if strings.TrimSpace(r.Snippet) == "" && strings.TrimSpace(r.Title) == "" {
			continue
		}
		id := webChunkID(r.URL, r.Title)
		score := r.Score
		if score <= 0 {
			score = 1.0 / float64(i+1)
		}
		out = append(out, domain.RetrievalCandidate{
			ChunkID: id,
			Chunk: domain.Chunk{
				ID:         id,
				Text:       strings.TrimSpace(r.Title + "\n" + r.Snippet),
				SourceFile: r.Title,
				SourceURL:  r.URL,
				DocType:    "web",
			},
			FusedScore: score,
			FusionRank: i + 1,
		})
	}
	return out
}

func webChunkID(url, title string) string {
	key := url
	if key == "" {
		key = title
	}
	sum := sha1.Sum([]byte(key))
	return "web:" + hex.EncodeToString(sum[:8])
}
