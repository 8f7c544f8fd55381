package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/study-assistant/internal/adapters/mcp"
	"github.com/kirillkom/study-assistant/internal/bootstrap"
	"github.com/kirillkom/study-assistant/internal/config"
	"github.com/kirillkom/study-assistant/internal/observability/logging"
)

const (
	serviceName = "mcp"
	version     = "1.0.0"
)

// stdout carries the MCP protocol, so logs go to stderr.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLoggerTo(os.Stderr, serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	logger.Info("mcp_serving_stdio", "version", version)
	if err := mcpadapter.New(app.Chat, app.Retrieval).ServeStdio(version); err != nil {
		logger.Error("mcp_server_failed", "error", err)
	}
}
