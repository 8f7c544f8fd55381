package domain

// AgentTrace records one chat call's reflection loop for diagnostics. It is
// not persisted.
type AgentTrace struct {
	Plan          []string          `json:"plan"`
	Actions       []RetrievalAction `json:"actions"`
	Observations  []Observation     `json:"observations"`
	Reflections   []ReflectionEntry `json:"reflections"`
	RevisionCount int               `json:"revision_count"`
}

type RetrievalAction struct {
	Iteration int          `json:"iteration"`
	Query     string       `json:"query"`
	Filter    SearchFilter `json:"filter"`
	Results   int          `json:"results"`
	Degraded  bool         `json:"degraded,omitempty"`
}

type Observation struct {
	Iteration  int                  `json:"iteration"`
	Candidates []RetrievalCandidate `json:"candidates"`
	Draft      string               `json:"draft"`
	NoMaterial bool                 `json:"no_material,omitempty"`
	Degraded   bool                 `json:"degraded,omitempty"`
	Reason     string               `json:"reason,omitempty"`
}

type ReflectionEntry struct {
	Iteration  int     `json:"iteration"`
	Confidence float64 `json:"confidence"`
	Critique   string  `json:"critique"`
	Degraded   bool    `json:"degraded,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Plan is what one loop iteration retrieves with.
type Plan struct {
	Query      string       `json:"query"`
	SubQueries []string     `json:"sub_queries"`
	Filter     SearchFilter `json:"filter"`
	Decomposed bool         `json:"decomposed"`
}

// Equal compares what a plan retrieves with, not how it was derived.
func (p Plan) Equal(other Plan) bool {
	if p.Query != other.Query || p.Filter != other.Filter {
		return false
	}
	if len(p.SubQueries) != len(other.SubQueries) {
		return false
	}
	for i := range p.SubQueries {
		if p.SubQueries[i] != other.SubQueries[i] {
			return false
		}
	}
	return true
}

// ReflectionInput is what a Scorer judges.
type ReflectionInput struct {
	Query      string
	Draft      string
	Evidence   []Chunk
	NoMaterial bool
}

// Reflection is a Scorer verdict. Actionable reports whether a revision could
// plausibly improve the draft; RetryQuery optionally rephrases the query.
type Reflection struct {
	Confidence   float64 `json:"confidence"`
	Critique     string  `json:"critique"`
	RetryQuery   string  `json:"retry_query,omitempty"`
	Actionable   bool    `json:"actionable"`
	Insufficient bool    `json:"insufficient_evidence,omitempty"`
}

// ReflectionOutcome is the loop result: the best draft across iterations.
type ReflectionOutcome struct {
	Answer        string               `json:"answer"`
	Confidence    float64              `json:"confidence"`
	Evidence      []RetrievalCandidate `json:"evidence"`
	NoMaterial    bool                 `json:"no_material"`
	LowConfidence bool                 `json:"low_confidence"`
	Degraded      bool                 `json:"degraded"`
	Iterations    int                  `json:"iterations"`
	Trace         *AgentTrace          `json:"trace"`
}
