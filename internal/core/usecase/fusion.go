package usecase

import (
	"sort"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

const defaultRRFK = 60

// fuseRRF merges the dense and sparse rankings with reciprocal rank fusion.
// Ranks are 1-indexed and a list that does not contain a chunk contributes
// nothing for it. The output is ordered by fused score, ties by chunk id, and
// carries its 1-indexed fusion rank.
func fuseRRF(dense, sparse []domain.IndexHit, rrfK int) []domain.RetrievalCandidate {
	if rrfK <= 0 {
		rrfK = defaultRRFK
	}

	acc := make(map[string]*domain.RetrievalCandidate, len(dense)+len(sparse))
	candidate := func(chunk domain.Chunk) *domain.RetrievalCandidate {
		c, ok := acc[chunk.ID]
		if !ok {
			c = &domain.RetrievalCandidate{ChunkID: chunk.ID, Chunk: chunk}
			acc[chunk.ID] = c
			return c
		}
		c.Chunk = preferRicherChunk(c.Chunk, chunk)
		return c
	}

	for i, hit := range dense {
		if hit.Chunk.ID == "" {
			continue
		}
		c := candidate(hit.Chunk)
		if c.DenseRank != nil {
			continue
		}
		rank := i + 1
		score := hit.Score
		c.DenseRank = &rank
		c.DenseScore = &score
		c.FusedScore += rrfContribution(rrfK, rank)
	}
	for i, hit := range sparse {
		if hit.Chunk.ID == "" {
			continue
		}
		c := candidate(hit.Chunk)
		if c.SparseRank != nil {
			continue
		}
		rank := i + 1
		c.SparseRank = &rank
		c.FusedScore += rrfContribution(rrfK, rank)
	}

	out := make([]domain.RetrievalCandidate, 0, len(acc))
	for _, c := range acc {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	for i := range out {
		out[i].FusionRank = i + 1
	}
	return out
}

func rrfContribution(k, rank int) float64 {
	return 1.0 / float64(k+rank)
}

func trimCandidates(candidates []domain.RetrievalCandidate, limit int) []domain.RetrievalCandidate {
	if limit <= 0 || len(candidates) <= limit {
		return candidates
	}
	return candidates[:limit]
}

// preferRicherChunk fills metadata a sparse-only payload may be missing.
func preferRicherChunk(current, candidate domain.Chunk) domain.Chunk {
	if current.Text == "" && candidate.Text != "" {
		current.Text = candidate.Text
	}
	if current.SourceFile == "" && candidate.SourceFile != "" {
		current.SourceFile = candidate.SourceFile
	}
	if current.SourceDocumentID == "" && candidate.SourceDocumentID != "" {
		current.SourceDocumentID = candidate.SourceDocumentID
	}
	if current.PageNumber == 0 && candidate.PageNumber != 0 {
		current.PageNumber = candidate.PageNumber
	}
	if current.Topic == "" && candidate.Topic != "" {
		current.Topic = candidate.Topic
	}
	if current.DocType == "" && candidate.DocType != "" {
		current.DocType = candidate.DocType
	}
	if current.NotebookID == "" && candidate.NotebookID != "" {
		current.NotebookID = candidate.NotebookID
	}
	if current.Section == "" && candidate.Section != "" {
		current.Section = candidate.Section
	}
	return current
}
