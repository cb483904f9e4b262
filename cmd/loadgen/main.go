package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fraud_scorer/internal/domain"
	"fraud_scorer/internal/loadgen"
	"fraud_scorer/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		url         = flag.String("url", "http://localhost:8080/predict", "prediction endpoint")
		name        = flag.String("scenario", "constant", "load profile: "+strings.Join(loadgen.Names(), ", "))
		rate        = flag.Float64("rate", 0, "override the constant scenario's requests per second")
		duration    = flag.Duration("duration", 0, "override the constant scenario's duration")
		maxInflight = flag.Int64("max-inflight", 500, "maximum concurrent requests")
		width       = flag.Int("width", domain.DefaultFeatureCount, "number of features per request")
		value       = flag.Float64("value", 0.5, "value of every feature")
		timeout     = flag.Duration("timeout", 5*time.Second, "per-request timeout")
		p99         = flag.Duration("p99", 500*time.Millisecond, "fail when p99 latency exceeds this")
		maxFailRate = flag.Float64("max-fail-rate", 0.05, "fail when the failure rate exceeds this")
		level       = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	lvl, err := logging.ParseLevel(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := logging.NewWithWriter(os.Stderr, lvl)

	scenario, err := loadgen.Lookup(*name)
	if err != nil {
		logger.Error("Invalid scenario", slog.String("error", err.Error()))
		return 2
	}
	if scenario.Name == "constant" && (*rate > 0 || *duration > 0) {
		r, d := scenario.StartRate, scenario.Duration()
		if *rate > 0 {
			r = *rate
		}
		if *duration > 0 {
			d = *duration
		}
		scenario = loadgen.Constant(r, d)
	}

	features := make([]float64, *width)
	for i := range features {
		features[i] = *value
	}

	runner, err := loadgen.NewRunner(loadgen.Options{
		URL:         *url,
		Scenario:    scenario,
		MaxInflight: *maxInflight,
		Features:    features,
		Timeout:     *timeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("Invalid options", slog.String("error", err.Error()))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := runner.Run(ctx)

	logger.Info("Load finished",
		slog.String("scenario", report.Scenario),
		slog.Duration("elapsed", report.Elapsed),
		slog.Int("requests", report.Requests),
		slog.Int("failures", report.Failures),
		slog.Int("dropped", report.Dropped),
		slog.Float64("fail_rate", report.FailRate()),
		slog.Duration("p50", report.P50),
		slog.Duration("p95", report.P95),
		slog.Duration("p99", report.P99))

	violations := report.Violations(loadgen.Thresholds{P99: *p99, MaxFailRate: *maxFailRate})
	for _, v := range violations {
		logger.Error("Threshold violated", slog.String("violation", v))
	}
	if len(violations) > 0 {
		return 1
	}
	return 0
}
