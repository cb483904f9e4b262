package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"fraud_scorer/internal/config"
	"fraud_scorer/internal/logging"
	"fraud_scorer/internal/model"
	"fraud_scorer/internal/service"
)

const (
	appName = "fraud_scorer"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv(config.EnvConfigPath), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		return 1
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("Starting application",
		slog.String("name", appName),
		slog.String("model_path", cfg.Model.Path),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr))

	svc, err := service.NewScoringService(cfg, model.NewONNXOpener(cfg.Model.RuntimeLib), logger)
	if err != nil {
		logger.Error("Failed to start service", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("Application stopped with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("Application shutdown complete")
	return 0
}
