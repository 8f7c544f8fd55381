package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

const chunkColumns = `chunk_id, text, source_document_id, source_file, source_url, page_number, section, topic, doc_type, notebook_id`

// Empty filter values match everything, so one statement serves every filter.
const chunkFilterClause = `
  AND ($2 = '' OR notebook_id = $2)
  AND ($3 = '' OR lower(topic) = lower($3))
  AND ($4 = '' OR lower(doc_type) = lower($4))`

// ChunkIndex serves both index ports from the study_chunks table: pgvector
// cosine distance for dense search and ts_rank over a generated tsvector for
// sparse search.
type ChunkIndex struct {
	db *sql.DB
}

func NewChunkIndex(db *sql.DB) *ChunkIndex {
	return &ChunkIndex{db: db}
}

func (i *ChunkIndex) Dense() *DenseIndex {
	return &DenseIndex{db: i.db}
}

func (i *ChunkIndex) Sparse() *SparseIndex {
	return &SparseIndex{db: i.db}
}

type DenseIndex struct {
	db *sql.DB
}

func (d *DenseIndex) Query(ctx context.Context, vector []float32, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	if len(vector) == 0 || topK <= 0 {
		return []domain.IndexHit{}, nil
	}
	rows, err := d.db.QueryContext(ctx, `
SELECT `+chunkColumns+`, 1 - (embedding <=> $1) AS score
FROM study_chunks
WHERE embedding IS NOT NULL`+chunkFilterClause+`
ORDER BY embedding <=> $1, chunk_id
LIMIT $5
`, pgvector.NewVector(vector), filter.NotebookID, filter.Topic, filter.DocType, topK)
	if err != nil {
		return nil, fmt.Errorf("dense chunk query: %w", err)
	}
	return scanHits(rows, topK)
}

type SparseIndex struct {
	db *sql.DB
}

func (s *SparseIndex) Query(ctx context.Context, tokens []string, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	tsQuery := orTSQuery(tokens)
	if tsQuery == "" || topK <= 0 {
		return []domain.IndexHit{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+chunkColumns+`, ts_rank(tsv, q) AS score
FROM study_chunks, to_tsquery('english', $1) AS q
WHERE tsv @@ q`+chunkFilterClause+`
ORDER BY score DESC, chunk_id
LIMIT $5
`, tsQuery, filter.NotebookID, filter.Topic, filter.DocType, topK)
	if err != nil {
		return nil, fmt.Errorf("sparse chunk query: %w", err)
	}
	return scanHits(rows, topK)
}

// orTSQuery joins tokens into a disjunctive tsquery. Only letters and digits
// survive, so the result is always valid to_tsquery input.
func orTSQuery(tokens []string) string {
	terms := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		term := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, token)
		if term == "" {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return strings.Join(terms, " | ")
}

func scanHits(rows *sql.Rows, capacity int) ([]domain.IndexHit, error) {
	defer rows.Close()

	out := make([]domain.IndexHit, 0, capacity)
	for rows.Next() {
		var hit domain.IndexHit
		c := &hit.Chunk
		if err := rows.Scan(
			&c.ID,
			&c.Text,
			&c.SourceDocumentID,
			&c.SourceFile,
			&c.SourceURL,
			&c.PageNumber,
			&c.Section,
			&c.Topic,
			&c.DocType,
			&c.NotebookID,
			&hit.Score,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}
