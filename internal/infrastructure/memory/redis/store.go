// Package redis keeps conversation memory in Redis: one hash per session for
// metadata, one list of JSON-encoded turns, and sorted sets of summarized
// sessions scored by summary time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

const (
	fieldNotebookID = "notebook_id"
	fieldSummary    = "summary"
	fieldSummarized = "summarized_count"
	fieldCreatedAt  = "created_at"
)

type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// Connect dials Redis and checks the connection.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewStore keeps sessions for ttl after their last write; zero keeps them forever.
func NewStore(client goredis.UniversalClient, keyPrefix string, ttl time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = "study:"
	}
	return &Store{client: client, keyPrefix: keyPrefix, ttl: ttl, now: time.Now}
}

func (s *Store) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

func (s *Store) turnsKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID + ":turns"
}

func (s *Store) summariesKey(notebookID string) string {
	if notebookID == "" {
		return s.keyPrefix + "summaries"
	}
	return s.keyPrefix + "notebook:" + notebookID + ":summaries"
}

func (s *Store) EnsureSession(ctx context.Context, sessionID, notebookID string) error {
	key := s.sessionKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, fieldNotebookID, notebookID)
	pipe.HSetNX(ctx, key, fieldCreatedAt, time.Now().UTC().Format(time.RFC3339Nano))
	s.touch(ctx, pipe, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

func (s *Store) GetContext(ctx context.Context, sessionID string, window int) (domain.SessionContext, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return domain.SessionContext{}, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return domain.SessionContext{}, domain.WrapError(domain.ErrSessionNotFound, "get session context", fmt.Errorf("session %s", sessionID))
	}

	session := domain.SessionContext{
		SessionID:  sessionID,
		NotebookID: fields[fieldNotebookID],
		Summary:    fields[fieldSummary],
	}
	if window > 0 {
		turns, err := s.ListTurns(ctx, sessionID, window)
		if err != nil {
			return domain.SessionContext{}, err
		}
		session.Recent = turns
	}
	return session, nil
}

func (s *Store) Append(ctx context.Context, sessionID string, turn domain.Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.turnsKey(sessionID), data)
	s.touch(ctx, pipe, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.turnsKey(sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	out := make([]domain.Turn, 0, len(raw))
	for _, item := range raw {
		var turn domain.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, domain.WrapError(domain.ErrMalformedResponse, "decode stored turn", err)
		}
		out = append(out, turn)
	}
	return out, nil
}

func (s *Store) CountTurns(ctx context.Context, sessionID string) (int, error) {
	n, err := s.client.LLen(ctx, s.turnsKey(sessionID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return int(n), nil
}

func (s *Store) SummarizedThrough(ctx context.Context, sessionID string) (int, error) {
	n, err := s.client.HGet(ctx, s.sessionKey(sessionID), fieldSummarized).Int()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("summarized count: %w", err)
	}
	return n, nil
}

func (s *Store) SaveSummary(ctx context.Context, sessionID, summary string, throughCount int) error {
	key := s.sessionKey(sessionID)
	notebookID, err := s.client.HGet(ctx, key, fieldNotebookID).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.WrapError(domain.ErrSessionNotFound, "save summary", fmt.Errorf("session %s", sessionID))
		}
		return fmt.Errorf("check session: %w", err)
	}

	member := goredis.Z{Score: float64(s.now().UTC().UnixMilli()), Member: sessionID}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fieldSummary, summary, fieldSummarized, throughCount)
	pipe.ZAdd(ctx, s.summariesKey(""), member)
	if notebookID != "" {
		pipe.ZAdd(ctx, s.summariesKey(notebookID), member)
	}
	s.touch(ctx, pipe, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// RecentSummaries walks the summary index newest first. Members whose session
// hash has expired are dropped from the index on the way.
func (s *Store) RecentSummaries(ctx context.Context, notebookID, excludeSessionID string, limit int) ([]domain.SessionSummary, error) {
	if limit <= 0 {
		return nil, nil
	}
	indexKey := s.summariesKey(notebookID)
	members, err := s.client.ZRevRangeWithScores(ctx, indexKey, 0, int64(limit*2)).Result()
	if err != nil {
		return nil, fmt.Errorf("list summarized sessions: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGet(ctx, s.sessionKey(fmt.Sprint(m.Member)), fieldSummary)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("load session summaries: %w", err)
	}

	out := make([]domain.SessionSummary, 0, limit)
	stale := make([]any, 0)
	for i, m := range members {
		sessionID := fmt.Sprint(m.Member)
		summary, err := cmds[i].Result()
		if errors.Is(err, goredis.Nil) {
			stale = append(stale, sessionID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load session summary: %w", err)
		}
		if sessionID == excludeSessionID || summary == "" || len(out) == limit {
			continue
		}
		out = append(out, domain.SessionSummary{
			SessionID: sessionID,
			Summary:   summary,
			UpdatedAt: time.UnixMilli(int64(m.Score)).UTC(),
		})
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, indexKey, stale...).Err(); err != nil {
			slog.Warn("redis_summary_index_prune_failed", "key", indexKey, "error", err)
		}
	}
	return out, nil
}

func (s *Store) touch(ctx context.Context, pipe goredis.Pipeliner, sessionID string) {
	if s.ttl <= 0 {
		return
	}
	pipe.Expire(ctx, s.sessionKey(sessionID), s.ttl)
	pipe.Expire(ctx, s.turnsKey(sessionID), s.ttl)
}
