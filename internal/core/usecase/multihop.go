package usecase

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

type roundRetriever interface {
	Retrieve(ctx context.Context, query string, filter domain.SearchFilter, topKRetrieval, topKRerank int) (domain.RetrievalResult, error)
}

// MultiHopRetriever runs one hybrid retrieval per sub-query concurrently and
// merges the results by chunk id.
type MultiHopRetriever struct {
	retriever roundRetriever
}

func NewMultiHopRetriever(retriever roundRetriever) *MultiHopRetriever {
	return &MultiHopRetriever{retriever: retriever}
}

func (m *MultiHopRetriever) Retrieve(
	ctx context.Context,
	subQueries []string,
	filter domain.SearchFilter,
	topKRetrieval int,
	topKRerank int,
) (domain.RetrievalResult, []domain.RetrievalAction, error) {
	queries := make([]string, 0, len(subQueries))
	for _, q := range subQueries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return domain.RetrievalResult{Candidates: []domain.RetrievalCandidate{}}, nil, nil
	}

	results := make([]domain.RetrievalResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			res, err := m.retriever.Retrieve(gctx, q, filter, topKRetrieval, topKRerank)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.RetrievalResult{}, nil, err
	}

	merged := domain.RetrievalResult{}
	actions := make([]domain.RetrievalAction, 0, len(queries))
	lists := make([][]domain.RetrievalCandidate, 0, len(results))
	for i, res := range results {
		for _, reason := range res.DegradedReasons {
			merged.MarkDegraded(reason)
		}
		if res.Degraded && len(res.DegradedReasons) == 0 {
			merged.Degraded = true
		}
		actions = append(actions, domain.RetrievalAction{
			Query:    queries[i],
			Filter:   filter,
			Results:  len(res.Candidates),
			Degraded: res.Degraded,
		})
		lists = append(lists, res.Candidates)
	}
	merged.Candidates = mergeByChunkID(lists, topKRerank)
	return merged, actions, nil
}

// mergeByChunkID keeps one entry per chunk id, the one with the highest final
// score, and orders by that score then chunk id.
func mergeByChunkID(lists [][]domain.RetrievalCandidate, limit int) []domain.RetrievalCandidate {
	best := make(map[string]domain.RetrievalCandidate)
	for _, list := range lists {
		for _, c := range list {
			current, ok := best[c.ChunkID]
			if !ok || c.FinalScore() > current.FinalScore() {
				best[c.ChunkID] = c
			}
		}
	}

	out := make([]domain.RetrievalCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].FinalScore(), out[j].FinalScore()
		if si != sj {
			return si > sj
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return trimCandidates(out, limit)
}
