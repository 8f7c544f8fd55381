package domain

import "time"

// RetrievalCandidate lives for a single retrieval call and is never persisted.
type RetrievalCandidate struct {
	ChunkID     string   `json:"chunk_id"`
	Chunk       Chunk    `json:"chunk"`
	DenseScore  *float64 `json:"dense_score"`
	DenseRank   *int     `json:"dense_rank,omitempty"`
	SparseRank  *int     `json:"sparse_rank"`
	FusedScore  float64  `json:"fused_score"`
	FusionRank  int      `json:"fusion_rank"`
	RerankScore *float64 `json:"rerank_score"`
}

// FinalScore is the rerank score when reranking succeeded, the fused score otherwise.
func (c RetrievalCandidate) FinalScore() float64 {
	if c.RerankScore != nil {
		return *c.RerankScore
	}
	return c.FusedScore
}

type RetrievalResult struct {
	Candidates      []RetrievalCandidate `json:"candidates"`
	Degraded        bool                 `json:"degraded"`
	DegradedReasons []string             `json:"degraded_reasons,omitempty"`
}

func (r RetrievalResult) Chunks() []Chunk {
	out := make([]Chunk, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		out = append(out, c.Chunk)
	}
	return out
}

func (r *RetrievalResult) MarkDegraded(reason string) {
	r.Degraded = true
	for _, existing := range r.DegradedReasons {
		if existing == reason {
			return
		}
	}
	r.DegradedReasons = append(r.DegradedReasons, reason)
}

type RetrievalLimits struct {
	TopKRetrieval  int           `json:"top_k_retrieval"`
	TopKRerank     int           `json:"top_k_rerank"`
	RRFK           int           `json:"rrf_k"`
	RerankHeadroom int           `json:"rerank_headroom"`
	RerankTimeout  time.Duration `json:"rerank_timeout"`
}

type ReflectionLimits struct {
	MaxIterations       int           `json:"max_iterations"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	MaxSubQueries       int           `json:"max_sub_queries"`
	StepTimeout         time.Duration `json:"step_timeout"`
}
