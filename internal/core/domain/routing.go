package domain

import "strings"

type Route string

const (
	RouteRAG          Route = "rag"
	RouteDirectLLM    Route = "direct_llm"
	RouteWebSearch    Route = "web_search"
	RouteQuizDispatch Route = "quiz_dispatch"
	RouteUnknown      Route = "unknown"
)

// ParseRoute maps a classifier label onto the closed route set. Anything it
// does not recognise becomes RouteUnknown.
func ParseRoute(label string) Route {
	normalized := strings.ToLower(strings.TrimSpace(label))
	normalized = strings.Trim(normalized, "\"'`.")
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch normalized {
	case "rag", "retrieve", "retrieval", "retrieve_and_answer":
		return RouteRAG
	case "direct", "direct_llm", "llm", "direct_answer":
		return RouteDirectLLM
	case "web", "web_search", "websearch", "search":
		return RouteWebSearch
	case "quiz", "quiz_dispatch", "exam", "exam_mode":
		return RouteQuizDispatch
	default:
		return RouteUnknown
	}
}

// Effective is the route actually executed: unknown is answered directly.
func (r Route) Effective() Route {
	switch r {
	case RouteRAG, RouteDirectLLM, RouteWebSearch, RouteQuizDispatch:
		return r
	default:
		return RouteDirectLLM
	}
}

type RoutingDecision struct {
	Route     Route  `json:"route"`
	Label     string `json:"label,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}
