package domain

import "strings"

// Chunk is an indexed slice of a course document. Chunks are created by
// ingestion and are read-only here.
type Chunk struct {
	ID               string    `json:"chunk_id"`
	Text             string    `json:"text"`
	Embedding        []float32 `json:"-"`
	SourceDocumentID string    `json:"source_document_id,omitempty"`
	SourceFile       string    `json:"source_file,omitempty"`
	SourceURL        string    `json:"source_url,omitempty"`
	PageNumber       int       `json:"page_number,omitempty"`
	Section          string    `json:"section,omitempty"`
	Topic            string    `json:"topic,omitempty"`
	DocType          string    `json:"doc_type,omitempty"`
	NotebookID       string    `json:"notebook_id,omitempty"`
}

// SearchFilter scopes index queries. Empty fields match everything.
type SearchFilter struct {
	NotebookID string `json:"notebook_id,omitempty"`
	Topic      string `json:"topic,omitempty"`
	DocType    string `json:"doc_type,omitempty"`
}

func (f SearchFilter) IsZero() bool {
	return f.NotebookID == "" && f.Topic == "" && f.DocType == ""
}

func (f SearchFilter) Matches(chunk Chunk) bool {
	if f.NotebookID != "" && chunk.NotebookID != f.NotebookID {
		return false
	}
	if f.Topic != "" && !strings.EqualFold(chunk.Topic, f.Topic) {
		return false
	}
	if f.DocType != "" && !strings.EqualFold(chunk.DocType, f.DocType) {
		return false
	}
	return true
}

// Broaden drops the narrowing metadata but keeps the notebook boundary.
func (f SearchFilter) Broaden() SearchFilter {
	return SearchFilter{NotebookID: f.NotebookID}
}

func (f SearchFilter) CanBroaden() bool {
	return f.Topic != "" || f.DocType != ""
}

// IndexHit is one ranked row from a dense or sparse index. Rank is the
// 1-indexed position in the returned slice.
type IndexHit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
