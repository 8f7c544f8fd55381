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

	httpadapter "github.com/kirillkom/study-assistant/internal/adapters/http"
	"github.com/kirillkom/study-assistant/internal/bootstrap"
	"github.com/kirillkom/study-assistant/internal/config"
	"github.com/kirillkom/study-assistant/internal/observability/logging"
	"github.com/kirillkom/study-assistant/internal/observability/metrics"
)

const serviceName = "api"

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

	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{GatewayObserver: httpMetrics.Gateway()})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router := httpadapter.NewRouter(cfg, app.Chat, app.Retrieval, httpMetrics).Handler()
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.ChatTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
