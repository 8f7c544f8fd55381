// Package memory is an in-process chunk index for local runs and tests: an
// HNSW graph for dense search and a BM25 inverted index for sparse search.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	kvector "github.com/kshard/vector"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75

	minEfSearch = 100
)

type entry struct {
	chunk  domain.Chunk
	key    uint32
	terms  map[string]int
	length int
}

type Index struct {
	mu sync.RWMutex

	graph   *hnsw.HNSW[vector.VF32]
	dim     int
	nextKey uint32

	byID  map[string]*entry
	byKey map[uint32]*entry

	postings    map[string]map[string]int
	totalLength int
}

func NewIndex() *Index {
	return &Index{
		graph:    hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine())),
		byID:     make(map[string]*entry),
		byKey:    make(map[uint32]*entry),
		postings: make(map[string]map[string]int),
	}
}

// Upsert adds or replaces chunks. Chunks without an embedding are searchable
// by keyword only. Replaced vectors stay in the graph but are skipped.
func (idx *Index) Upsert(chunks []domain.Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, chunk := range chunks {
		if strings.TrimSpace(chunk.ID) == "" {
			return domain.WrapError(domain.ErrInvalidInput, "memory index upsert", fmt.Errorf("chunk id is required"))
		}
		if len(chunk.Embedding) > 0 {
			if idx.dim == 0 {
				idx.dim = len(chunk.Embedding)
			}
			if len(chunk.Embedding) != idx.dim {
				return domain.WrapError(domain.ErrInvalidInput, "memory index upsert", fmt.Errorf("chunk %s: vector dimension mismatch: expected %d, got %d", chunk.ID, idx.dim, len(chunk.Embedding)))
			}
		}

		if old, ok := idx.byID[chunk.ID]; ok {
			idx.removeTerms(old)
			delete(idx.byKey, old.key)
		}

		idx.nextKey++
		e := &entry{chunk: chunk, key: idx.nextKey}
		idx.addTerms(e)
		idx.byID[chunk.ID] = e
		idx.byKey[e.key] = e
		if len(chunk.Embedding) > 0 {
			idx.graph.Insert(vector.VF32{Key: e.key, Vec: chunk.Embedding})
		}
	}
	return nil
}

func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}

func (idx *Index) Dense() *DenseIndex {
	return &DenseIndex{idx: idx}
}

func (idx *Index) Sparse() *SparseIndex {
	return &SparseIndex{idx: idx}
}

type DenseIndex struct {
	idx *Index
}

func (d *DenseIndex) Query(ctx context.Context, query []float32, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx := d.idx
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if topK <= 0 || len(query) == 0 || idx.graph.Size() == 0 {
		return []domain.IndexHit{}, nil
	}
	if len(query) != idx.dim {
		return nil, domain.WrapError(domain.ErrInvalidInput, "memory dense query", fmt.Errorf("vector dimension mismatch: expected %d, got %d", idx.dim, len(query)))
	}

	// The graph holds replaced vectors and knows nothing about metadata, so
	// over-fetch when either can drop results.
	k := topK
	if !filter.IsZero() || idx.graph.Size() > len(idx.byKey) {
		k = idx.graph.Size()
	}
	ef := k * 2
	if ef < minEfSearch {
		ef = minEfSearch
	}

	found := idx.graph.Search(vector.VF32{Vec: query}, k, ef)
	hits := make([]domain.IndexHit, 0, topK)
	for _, node := range found {
		e, ok := idx.byKey[node.Key]
		if !ok || !filter.Matches(e.chunk) {
			continue
		}
		hits = append(hits, domain.IndexHit{Chunk: e.chunk, Score: cosineSimilarity(query, e.chunk.Embedding)})
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

type SparseIndex struct {
	idx *Index
}

// Query ranks chunks by Okapi BM25 over the given tokens.
func (s *SparseIndex) Query(ctx context.Context, tokens []string, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx := s.idx
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.byID)
	if topK <= 0 || n == 0 {
		return []domain.IndexHit{}, nil
	}
	avgLength := float64(idx.totalLength) / float64(n)
	if avgLength == 0 {
		avgLength = 1
	}

	scores := make(map[string]float64)
	seen := make(map[string]struct{}, len(tokens))
	for _, raw := range tokens {
		token := strings.ToLower(strings.TrimSpace(raw))
		if token == "" {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}

		docs := idx.postings[token]
		if len(docs) == 0 {
			continue
		}
		df := float64(len(docs))
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		for id, tf := range docs {
			e := idx.byID[id]
			if !filter.Matches(e.chunk) {
				continue
			}
			freq := float64(tf)
			norm := freq + bm25K1*(1-bm25B+bm25B*float64(e.length)/avgLength)
			scores[id] += idf * freq * (bm25K1 + 1) / norm
		}
	}

	hits := make([]domain.IndexHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, domain.IndexHit{Chunk: idx.byID[id].chunk, Score: score})
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (idx *Index) addTerms(e *entry) {
	tokens := tokenize(e.chunk.Text)
	e.terms = make(map[string]int, len(tokens))
	for _, token := range tokens {
		e.terms[token]++
	}
	e.length = len(tokens)
	idx.totalLength += e.length
	for token, tf := range e.terms {
		docs := idx.postings[token]
		if docs == nil {
			docs = make(map[string]int)
			idx.postings[token] = docs
		}
		docs[e.chunk.ID] = tf
	}
}

func (idx *Index) removeTerms(e *entry) {
	idx.totalLength -= e.length
	for token := range e.terms {
		docs := idx.postings[token]
		delete(docs, e.chunk.ID)
		if len(docs) == 0 {
			delete(idx.postings, token)
		}
	}
}

// sortHits orders by score desc with chunk id as the tie-break so repeated
// queries return the same order.
func sortHits(hits []domain.IndexHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenize(s string) []string {
	tokens := make([]string, 0, 32)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
