package resilience

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

// ErrGatewayBusy is returned when the provider budget cannot be acquired
// within the configured wait.
var ErrGatewayBusy = errors.New("provider gateway busy")

type GatewayConfig struct {
	RequestsPerMinute int
	Burst             int
	MaxInFlight       int64
	MaxWait           time.Duration
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		RequestsPerMinute: 600,
		Burst:             20,
		MaxInFlight:       8,
		MaxWait:           30 * time.Second,
	}
}

func (c GatewayConfig) normalize() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = def.RequestsPerMinute
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = def.MaxInFlight
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	return c
}

// GatewayObserver receives wait times and outcomes for metrics.
type GatewayObserver interface {
	ObserveGatewayWait(operation string, wait time.Duration)
	ObserveGatewayResult(operation, outcome string)
}

// Gateway is the single process-wide entry to the model providers. A call
// holds one slot of the in-flight cap for its whole life, and every attempt
// the retry/breaker executor makes takes its own token from the shared rate
// budget, so retries are paced like fresh requests.
type Gateway struct {
	cfg      GatewayConfig
	limiter  *rate.Limiter
	inFlight *semaphore.Weighted
	exec     *Executor
	observer GatewayObserver
}

func NewGateway(cfg GatewayConfig, exec *Executor, observer GatewayObserver) *Gateway {
	cfg = cfg.normalize()
	if exec == nil {
		exec = NewExecutor(DefaultConfig())
	}
	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	return &Gateway{
		cfg:      cfg,
		limiter:  rate.NewLimiter(perSecond, cfg.Burst),
		inFlight: semaphore.NewWeighted(cfg.MaxInFlight),
		exec:     exec,
		observer: observer,
	}
}

func (g *Gateway) Do(ctx context.Context, operation string, fn func(context.Context) error, classifier ErrorClassifier) error {
	started := time.Now()
	release, err := g.admit(ctx)
	g.observeWait(operation, time.Since(started))
	if err != nil {
		return g.rejected(ctx, operation)
	}
	defer release()

	budgetExhausted := false
	first := true
	err = g.exec.Execute(ctx, operation, func(attemptCtx context.Context) error {
		if !first {
			if err := g.waitToken(attemptCtx); err != nil {
				budgetExhausted = ctx.Err() == nil
				return domain.WrapError(domain.ErrTemporary, operation, ErrGatewayBusy)
			}
		}
		first = false
		return fn(attemptCtx)
	}, budgetAware(classifier))
	switch {
	case err == nil:
		g.observeResult(operation, "ok")
	case ctx.Err() != nil:
		g.observeResult(operation, "canceled")
	case budgetExhausted:
		g.observeResult(operation, "busy")
	case IsCircuitOpen(err):
		g.observeResult(operation, "circuit_open")
	default:
		g.observeResult(operation, "error")
	}
	return err
}

// admit takes the in-flight slot and the token for the first attempt.
func (g *Gateway) admit(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.MaxWait)
	defer cancel()

	if err := g.inFlight.Acquire(waitCtx, 1); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(waitCtx); err != nil {
		g.inFlight.Release(1)
		return nil, err
	}
	return func() { g.inFlight.Release(1) }, nil
}

func (g *Gateway) waitToken(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.MaxWait)
	defer cancel()
	return g.limiter.Wait(waitCtx)
}

func (g *Gateway) rejected(ctx context.Context, operation string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		g.observeResult(operation, "canceled")
		return ctxErr
	}
	g.observeResult(operation, "busy")
	return domain.WrapError(domain.ErrTemporary, operation, ErrGatewayBusy)
}

// budgetAware stops retrying once the rate budget cannot cover another
// attempt and keeps that outcome out of the breaker's failure counts.
func budgetAware(classifier ErrorClassifier) ErrorClassifier {
	if classifier == nil {
		classifier = defaultClassifier
	}
	return func(err error) ErrorClassification {
		if errors.Is(err, ErrGatewayBusy) {
			return ErrorClassification{}
		}
		return classifier(err)
	}
}

func (g *Gateway) observeWait(operation string, wait time.Duration) {
	if g.observer != nil {
		g.observer.ObserveGatewayWait(operation, wait)
	}
}

func (g *Gateway) observeResult(operation, outcome string) {
	if g.observer != nil {
		g.observer.ObserveGatewayResult(operation, outcome)
	}
}
