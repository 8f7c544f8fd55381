package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/infrastructure/resilience"
)

const (
	DefaultTurnSubject = "study.turn.completed"
	DefaultQuizSubject = "study.quiz.requested"

	workerQueueGroup = "summarizers"
)

// Queue publishes chat turn events and quiz requests and lets the worker
// consume turn events through a queue group.
type Queue struct {
	conn        *nats.Conn
	turnSubject string
	quizSubject string
	executor    *resilience.Executor
}

type Options struct {
	TurnSubject          string
	QuizSubject          string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("study-assistant"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:        conn,
		turnSubject: withDefault(options.TurnSubject, DefaultTurnSubject),
		quizSubject: withDefault(options.QuizSubject, DefaultQuizSubject),
		executor:    options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishTurnCompleted(ctx context.Context, evt domain.TurnCompleted) error {
	return q.publishJSON(ctx, "nats.publish_turn", q.turnSubject, evt)
}

func (q *Queue) DispatchQuiz(ctx context.Context, req domain.QuizDispatch) error {
	return q.publishJSON(ctx, "nats.publish_quiz", q.quizSubject, req)
}

func (q *Queue) publishJSON(ctx context.Context, operation, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeTurnCompleted blocks until ctx is done, then drains the subscription.
func (q *Queue) SubscribeTurnCompleted(ctx context.Context, handler func(context.Context, domain.TurnCompleted) error) error {
	sub, err := q.conn.QueueSubscribe(q.turnSubject, workerQueueGroup, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		evt, err := decodeTurnCompleted(msg.Data)
		if err != nil {
			slog.Warn("turn_event_decode_failed", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, evt); err != nil {
			slog.Error("turn_event_handler_failed", "session_id", evt.SessionID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func decodeTurnCompleted(data []byte) (domain.TurnCompleted, error) {
	var evt domain.TurnCompleted
	if err := json.Unmarshal(data, &evt); err != nil {
		return domain.TurnCompleted{}, domain.WrapError(domain.ErrMalformedResponse, "decode turn event", err)
	}
	if evt.SessionID == "" {
		return domain.TurnCompleted{}, domain.WrapError(domain.ErrMalformedResponse, "decode turn event", fmt.Errorf("session_id is empty"))
	}
	return evt, nil
}

func withDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
