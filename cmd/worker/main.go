package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/study-assistant/internal/bootstrap"
	"github.com/kirillkom/study-assistant/internal/config"
	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/observability/logging"
	"github.com/kirillkom/study-assistant/internal/observability/metrics"
)

const (
	serviceName    = "worker"
	summaryTimeout = 2 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{GatewayObserver: workerMetrics.Gateway()})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if app.Events == nil || app.Summarizer == nil {
		logger.Error("worker_not_configured", "events_enabled", cfg.EventsEnabled, "memory_backend", cfg.MemoryBackend)
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSTurnSubject)
	err = app.Events.SubscribeTurnCompleted(ctx, func(handlerCtx context.Context, evt domain.TurnCompleted) error {
		workerMetrics.ObserveEventLag(serviceName, time.Since(evt.OccurredAt))
		workerMetrics.StartSummary()
		started := time.Now()

		summaryCtx, cancel := context.WithTimeout(handlerCtx, summaryTimeout)
		defer cancel()
		summarized, err := app.Summarizer.SummarizeIfDue(summaryCtx, evt.SessionID)
		workerMetrics.FinishSummary(serviceName, time.Since(started), summarized, err)
		if summarized {
			logger.Info("session_summarized", "session_id", evt.SessionID)
		}
		return err
	})
	if err != nil {
		logger.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}
