package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

type ConversationRepository struct {
	db *sql.DB
}

func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) EnsureSession(ctx context.Context, sessionID, notebookID string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO study_sessions (session_id, notebook_id, summary, created_at, updated_at)
VALUES ($1, $2, '', $3, $3)
ON CONFLICT (session_id) DO NOTHING
`, sessionID, notebookID, now)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// GetContext returns the session summary and the last window messages in
// chronological order. A window of zero skips the messages.
func (r *ConversationRepository) GetContext(ctx context.Context, sessionID string, window int) (domain.SessionContext, error) {
	session := domain.SessionContext{SessionID: sessionID}
	row := r.db.QueryRowContext(ctx, `
SELECT notebook_id, summary
FROM study_sessions
WHERE session_id = $1
`, sessionID)
	if err := row.Scan(&session.NotebookID, &session.Summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SessionContext{}, domain.WrapError(domain.ErrSessionNotFound, "get session context", fmt.Errorf("session %s", sessionID))
		}
		return domain.SessionContext{}, fmt.Errorf("get session: %w", err)
	}

	turns, err := r.ListTurns(ctx, sessionID, window)
	if err != nil {
		return domain.SessionContext{}, err
	}
	if window > 0 {
		session.Recent = turns
	}
	return session, nil
}

func (r *ConversationRepository) Append(ctx context.Context, sessionID string, turn domain.Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO study_messages (id, session_id, role, content, created_at)
VALUES ($1,$2,$3,$4,$5)
`, uuid.NewString(), sessionID, turn.Role, turn.Content, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *ConversationRepository) ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT role, content, created_at
FROM study_messages
WHERE session_id = $1
ORDER BY seq DESC
LIMIT $2
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Turn, 0, limit)
	for rows.Next() {
		var turn domain.Turn
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}

	// Returned in descending order from SQL; reverse to keep chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *ConversationRepository) CountTurns(ctx context.Context, sessionID string) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM study_messages WHERE session_id = $1`, sessionID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (r *ConversationRepository) SummarizedThrough(ctx context.Context, sessionID string) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT summarized_count FROM study_sessions WHERE session_id = $1`, sessionID)
	var through int
	if err := row.Scan(&through); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("summarized count: %w", err)
	}
	return through, nil
}

func (r *ConversationRepository) SaveSummary(ctx context.Context, sessionID, summary string, throughCount int) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE study_sessions
SET summary = $2, summarized_count = $3, updated_at = $4
WHERE session_id = $1
`, sessionID, summary, throughCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save summary rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "save summary", fmt.Errorf("session %s", sessionID))
	}
	return nil
}

// RecentSummaries returns the newest non-empty summaries, most recent first.
func (r *ConversationRepository) RecentSummaries(ctx context.Context, notebookID, excludeSessionID string, limit int) ([]domain.SessionSummary, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT session_id, summary, updated_at
FROM study_sessions
WHERE summary <> '' AND session_id <> $1 AND ($2 = '' OR notebook_id = $2)
ORDER BY updated_at DESC
LIMIT $3
`, excludeSessionID, notebookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session summaries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SessionSummary, 0, limit)
	for rows.Next() {
		var s domain.SessionSummary
		if err := rows.Scan(&s.SessionID, &s.Summary, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session summaries: %w", err)
	}
	return out, nil
}
