package domain

type ChatFilters struct {
	Topic string `json:"topic,omitempty"`
}

type ChatRequest struct {
	Query      string       `json:"query"`
	SessionID  string       `json:"session_id,omitempty"`
	NotebookID string       `json:"notebook_id,omitempty"`
	Filters    *ChatFilters `json:"filters,omitempty"`
	Debug      bool         `json:"debug,omitempty"`
}

func (r ChatRequest) SearchFilter() SearchFilter {
	filter := SearchFilter{NotebookID: r.NotebookID}
	if r.Filters != nil {
		filter.Topic = r.Filters.Topic
	}
	return filter
}

type Citation struct {
	ChunkID    string `json:"chunk_id,omitempty"`
	SourceFile string `json:"source_file"`
	PageNumber int    `json:"page_number,omitempty"`
	URL        string `json:"url,omitempty"`
	Display    string `json:"display"`
}

type ChatResponse struct {
	Answer        string      `json:"answer"`
	Citations     []Citation  `json:"citations"`
	CitationBlock string      `json:"citation_block,omitempty"`
	Confidence    float64     `json:"confidence"`
	Route         Route       `json:"route"`
	SessionID     string      `json:"session_id"`
	LowConfidence bool        `json:"low_confidence"`
	Degraded      bool        `json:"degraded"`
	Iterations    int         `json:"iterations"`
	Trace         *AgentTrace `json:"trace,omitempty"`
}

type RetrieveRequest struct {
	Query      string       `json:"query"`
	NotebookID string       `json:"notebook_id,omitempty"`
	Filters    *ChatFilters `json:"filters,omitempty"`
	TopK       int          `json:"top_k,omitempty"`
}

func (r RetrieveRequest) SearchFilter() SearchFilter {
	filter := SearchFilter{NotebookID: r.NotebookID}
	if r.Filters != nil {
		filter.Topic = r.Filters.Topic
	}
	return filter
}

type GenerateOptions struct {
	Temperature float64
	JSON        bool
	MaxTokens   int
}

type WebResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}
