package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

func seededIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	err := idx.Upsert([]domain.Chunk{
		{ID: "c1", Text: "Entropy of an isolated system never decreases.", Topic: "thermo", NotebookID: "nb-1", Embedding: []float32{1, 0, 0}},
		{ID: "c2", Text: "Enthalpy is heat content at constant pressure.", Topic: "thermo", NotebookID: "nb-1", Embedding: []float32{0.8, 0.2, 0}},
		{ID: "c3", Text: "Mitochondria produce ATP through respiration.", Topic: "biology", NotebookID: "nb-1", Embedding: []float32{0, 1, 0}},
		{ID: "c4", Text: "Entropy in information theory measures uncertainty.", Topic: "info", NotebookID: "nb-2", Embedding: []float32{0.9, 0, 0.1}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	return idx
}

func TestDenseQueryReturnsNearestFirst(t *testing.T) {
	idx := seededIndex(t)
	hits, err := idx.Dense().Query(context.Background(), []float32{1, 0, 0}, 2, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 2 || hits[0].Chunk.ID != "c1" {
		t.Fatalf("expected c1 first, got %+v", hits)
	}
	if hits[0].Score < hits[1].Score {
		t.Fatalf("expected descending scores, got %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestDenseQueryAppliesFilter(t *testing.T) {
	idx := seededIndex(t)
	hits, err := idx.Dense().Query(context.Background(), []float32{1, 0, 0}, 5, domain.SearchFilter{NotebookID: "nb-1", Topic: "biology"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Chunk.ID != "c3" {
		t.Fatalf("expected only c3, got %+v", hits)
	}
}

func TestDenseQueryDimensionMismatch(t *testing.T) {
	idx := seededIndex(t)
	_, err := idx.Dense().Query(context.Background(), []float32{1, 0}, 2, domain.SearchFilter{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDenseQueryEmptyIndex(t *testing.T) {
	hits, err := NewIndex().Dense().Query(context.Background(), []float32{1}, 3, domain.SearchFilter{})
	if err != nil || len(hits) != 0 {
		t.Fatalf("expected no hits, got %v %v", hits, err)
	}
}

func TestUpsertReplacesChunk(t *testing.T) {
	idx := seededIndex(t)
	if err := idx.Upsert([]domain.Chunk{{ID: "c1", Text: "Photosynthesis stores energy.", NotebookID: "nb-1", Embedding: []float32{0, 0, 1}}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if idx.Size() != 4 {
		t.Fatalf("expected 4 chunks after replace, got %d", idx.Size())
	}

	hits, err := idx.Sparse().Query(context.Background(), []string{"entropy"}, 10, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("sparse Query() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Chunk.ID != "c4" {
		t.Fatalf("expected old c1 text to be gone, got %+v", hits)
	}

	dense, err := idx.Dense().Query(context.Background(), []float32{0, 0, 1}, 1, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("dense Query() error = %v", err)
	}
	if len(dense) != 1 || dense[0].Chunk.ID != "c1" || dense[0].Chunk.Text != "Photosynthesis stores energy." {
		t.Fatalf("expected replaced c1 vector, got %+v", dense)
	}
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	idx := seededIndex(t)
	err := idx.Upsert([]domain.Chunk{{ID: "c9", Text: "x", Embedding: []float32{1, 2}}})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSparseQueryRanksByBM25(t *testing.T) {
	idx := NewIndex()
	err := idx.Upsert([]domain.Chunk{
		{ID: "a", Text: "entropy entropy entropy and heat"},
		{ID: "b", Text: "entropy once in a much longer passage about many unrelated things like cells and membranes"},
		{ID: "c", Text: "no match here"},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	hits, err := idx.Sparse().Query(context.Background(), []string{"entropy", "Entropy"}, 10, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 2 || hits[0].Chunk.ID != "a" || hits[1].Chunk.ID != "b" {
		t.Fatalf("unexpected ranking %+v", hits)
	}
}

func TestSparseQueryRespectsFilterAndTopK(t *testing.T) {
	idx := seededIndex(t)
	hits, err := idx.Sparse().Query(context.Background(), []string{"entropy"}, 1, domain.SearchFilter{NotebookID: "nb-2"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Chunk.ID != "c4" {
		t.Fatalf("expected c4 only, got %+v", hits)
	}
}

func TestQueryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := seededIndex(t).Sparse().Query(ctx, []string{"entropy"}, 3, domain.SearchFilter{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.jsonl")
	content := `{"chunk_id":"s1","text":"Newton's second law relates force and mass.","source_file":"physics.pdf","page_number":3,"embedding":[0.1,0.9]}

{"chunk_id":"s2","text":"Momentum is conserved in closed systems.","source_file":"physics.pdf","page_number":7}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	idx := NewIndex()
	n, err := idx.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if n != 2 || idx.Size() != 2 {
		t.Fatalf("expected 2 chunks, got n=%d size=%d", n, idx.Size())
	}

	hits, err := idx.Dense().Query(context.Background(), []float32{0.1, 0.9}, 5, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Chunk.ID != "s1" || hits[0].Chunk.PageNumber != 3 {
		t.Fatalf("expected only the embedded chunk, got %+v", hits)
	}
}

func TestLoadFileRejectsBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := NewIndex().LoadFile(path); err == nil {
		t.Fatalf("expected decode error")
	}
}
