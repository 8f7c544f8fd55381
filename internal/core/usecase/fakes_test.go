package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

var errProviderDown = errors.New("provider down")

type embedderFake struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (f *embedderFake) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// corpusFake serves both index ports over a fixed chunk list. Dense ranking
// is the list order; sparse ranking counts token matches.
type corpusFake struct {
	chunks    []domain.Chunk
	denseErr  error
	sparseErr error

	mu      sync.Mutex
	filters []domain.SearchFilter
}

func (f *corpusFake) Query(ctx context.Context, _ []float32, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	f.record(filter)
	if f.denseErr != nil {
		return nil, f.denseErr
	}
	hits := make([]domain.IndexHit, 0, len(f.chunks))
	for i, c := range f.chunks {
		if !filter.Matches(c) {
			continue
		}
		hits = append(hits, domain.IndexHit{Chunk: c, Score: 1 - float64(i)*0.01})
	}
	return trimHits(hits, topK), nil
}

func (f *corpusFake) record(filter domain.SearchFilter) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
}

func (f *corpusFake) seenFilters() []domain.SearchFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SearchFilter(nil), f.filters...)
}

type sparseFake struct {
	corpus *corpusFake
}

func (f sparseFake) Query(_ context.Context, tokens []string, topK int, filter domain.SearchFilter) ([]domain.IndexHit, error) {
	if f.corpus.sparseErr != nil {
		return nil, f.corpus.sparseErr
	}
	hits := make([]domain.IndexHit, 0)
	for _, c := range f.corpus.chunks {
		if !filter.Matches(c) {
			continue
		}
		text := strings.ToLower(c.Text)
		matches := 0
		for _, token := range tokens {
			if strings.Contains(text, token) {
				matches++
			}
		}
		if matches > 0 {
			hits = append(hits, domain.IndexHit{Chunk: c, Score: float64(matches)})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return trimHits(hits, topK), nil
}

type relevanceFake struct {
	scores map[string]float64
	err    error
	block  bool
}

func (f *relevanceFake) Score(ctx context.Context, _ string, text string) (float64, error) {
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.scores[text], nil
}

type batchRelevanceFake struct {
	relevanceFake
	batchCalls int
}

func (f *batchRelevanceFake) ScoreBatch(_ context.Context, _ string, texts []string) ([]float64, error) {
	f.batchCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(texts))
	for i, text := range texts {
		out[i] = f.scores[text]
	}
	return out, nil
}

// generatorFake answers by the first matching prompt marker, falling back
// to def. Every call is recorded.
type generatorFake struct {
	mu      sync.Mutex
	replies []generatorReply
	def     string
	err     error
	prompts []string
	options []domain.GenerateOptions
}

type generatorReply struct {
	marker string
	text   string
	err    error
}

func (f *generatorFake) Generate(ctx context.Context, prompt string, opts domain.GenerateOptions) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.options = append(f.options, opts)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, reply := range f.replies {
		if strings.Contains(prompt, reply.marker) {
			return reply.text, reply.err
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.def, nil
}

func (f *generatorFake) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type scorerFake struct {
	mu      sync.Mutex
	results []domain.Reflection
	errs    []error
	inputs  []domain.ReflectionInput
}

func (f *scorerFake) Score(_ context.Context, in domain.ReflectionInput) (domain.Reflection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.inputs)
	f.inputs = append(f.inputs, in)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return domain.Reflection{}, f.errs[idx]
	}
	if len(f.results) == 0 {
		return domain.Reflection{Confidence: 0.5, Actionable: true}, nil
	}
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

type classifierFake struct {
	decision domain.RoutingDecision
	err      error
}

func (f classifierFake) Classify(context.Context, string, domain.SessionContext) (domain.RoutingDecision, error) {
	return f.decision, f.err
}

type memoryFake struct {
	mu        sync.Mutex
	turns     map[string][]domain.Turn
	summaries map[string]string
	through   map[string]int
	notebooks map[string]string
	past      []domain.SessionSummary
	err       error
}

func newMemoryFake() *memoryFake {
	return &memoryFake{
		turns:     map[string][]domain.Turn{},
		summaries: map[string]string{},
		through:   map[string]int{},
		notebooks: map[string]string{},
	}
}

func (f *memoryFake) EnsureSession(_ context.Context, sessionID, notebookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.notebooks[sessionID]; !ok {
		f.notebooks[sessionID] = notebookID
	}
	return f.err
}

func (f *memoryFake) GetContext(_ context.Context, sessionID string, window int) (domain.SessionContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.SessionContext{}, f.err
	}
	turns := f.turns[sessionID]
	if window > 0 && len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	return domain.SessionContext{SessionID: sessionID, Recent: append([]domain.Turn(nil), turns...), Summary: f.summaries[sessionID]}, nil
}

func (f *memoryFake) Append(_ context.Context, sessionID string, turn domain.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.turns[sessionID] = append(f.turns[sessionID], turn)
	return nil
}

func (f *memoryFake) ListTurns(_ context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	turns := f.turns[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]domain.Turn(nil), turns...), nil
}

func (f *memoryFake) CountTurns(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns[sessionID]), nil
}

func (f *memoryFake) SummarizedThrough(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.through[sessionID], nil
}

func (f *memoryFake) SaveSummary(_ context.Context, sessionID, summary string, throughCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[sessionID] = summary
	f.through[sessionID] = throughCount
	return nil
}

// RecentSummaries serves the preset past list, filtered like the stores.
func (f *memoryFake) RecentSummaries(_ context.Context, notebookID, excludeSessionID string, limit int) ([]domain.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.SessionSummary, 0, len(f.past))
	for _, s := range f.past {
		if s.SessionID == excludeSessionID || strings.TrimSpace(s.Summary) == "" {
			continue
		}
		if notebookID != "" && f.notebooks[s.SessionID] != notebookID {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type citationFake struct{}

func (citationFake) Format(chunks []domain.Chunk) []domain.Citation {
	out := make([]domain.Citation, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, domain.Citation{ChunkID: c.ID, SourceFile: c.SourceFile, PageNumber: c.PageNumber, Display: fmt.Sprintf("%s, Page %d", c.SourceFile, c.PageNumber)})
	}
	return out
}

func (citationFake) Render(citations []domain.Citation) string {
	lines := make([]string, 0, len(citations))
	for _, c := range citations {
		lines = append(lines, c.Display)
	}
	return strings.Join(lines, "\n")
}

type quizFake struct {
	mu   sync.Mutex
	reqs []domain.QuizDispatch
	err  error
}

func (f *quizFake) DispatchQuiz(_ context.Context, req domain.QuizDispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

type eventsFake struct {
	mu     sync.Mutex
	events []domain.TurnCompleted
	err    error
}

func (f *eventsFake) PublishTurnCompleted(_ context.Context, evt domain.TurnCompleted) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return f.err
}

type webSearcherFake struct {
	results []domain.WebResult
	err     error
	queries []string
}

func (f *webSearcherFake) Search(_ context.Context, query string, maxResults int) ([]domain.WebResult, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return trimWeb(f.results, maxResults), nil
}

func trimWeb(results []domain.WebResult, limit int) []domain.WebResult {
	if limit <= 0 || len(results) <= limit {
		return results
	}
	return results[:limit]
}

// sourceFake is a scripted evidence source, one result per call.
type sourceFake struct {
	mu      sync.Mutex
	results []domain.RetrievalResult
	errs    []error
	plans   []domain.Plan
}

func (f *sourceFake) Gather(ctx context.Context, plan domain.Plan) (domain.RetrievalResult, []domain.RetrievalAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.plans)
	f.plans = append(f.plans, plan)
	if err := ctx.Err(); err != nil {
		return domain.RetrievalResult{}, nil, err
	}
	if idx < len(f.errs) && f.errs[idx] != nil {
		return domain.RetrievalResult{}, nil, f.errs[idx]
	}
	res := domain.RetrievalResult{Candidates: []domain.RetrievalCandidate{}}
	if len(f.results) > 0 {
		if idx >= len(f.results) {
			idx = len(f.results) - 1
		}
		res = f.results[idx]
	}
	return res, []domain.RetrievalAction{{Query: plan.Query, Filter: plan.Filter, Results: len(res.Candidates)}}, nil
}

func candidatesFor(ids ...string) []domain.RetrievalCandidate {
	out := make([]domain.RetrievalCandidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, domain.RetrievalCandidate{
			ChunkID:    id,
			Chunk:      domain.Chunk{ID: id, Text: "evidence " + id, SourceFile: id + ".pdf", PageNumber: i + 1},
			FusedScore: 1 / float64(61+i),
			FusionRank: i + 1,
		})
	}
	return out
}

func testChunk(id, text string) domain.Chunk {
	return domain.Chunk{ID: id, Text: text, SourceFile: id + ".pdf", PageNumber: 1, NotebookID: "nb-1"}
}
