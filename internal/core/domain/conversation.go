package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionContext is the bounded view of a conversation the pipeline reads.
// Past holds summaries of earlier sessions in the same notebook.
type SessionContext struct {
	SessionID  string           `json:"session_id"`
	NotebookID string           `json:"notebook_id,omitempty"`
	Recent     []Turn           `json:"recent,omitempty"`
	Summary    string           `json:"summary,omitempty"`
	Past       []SessionSummary `json:"past,omitempty"`
}

type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TurnCompleted struct {
	SessionID  string    `json:"session_id"`
	NotebookID string    `json:"notebook_id,omitempty"`
	Route      Route     `json:"route"`
	Confidence float64   `json:"confidence"`
	OccurredAt time.Time `json:"occurred_at"`
}

type QuizDispatch struct {
	SessionID   string    `json:"session_id"`
	NotebookID  string    `json:"notebook_id,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	Query       string    `json:"query"`
	RequestedAt time.Time `json:"requested_at"`
}
