package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsCollector struct {
	registry          *prometheus.Registry
	predictions       *prometheus.CounterVec
	predictionErrors  *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	scoreDistribution prometheus.Histogram
	outputFallbacks   prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	artifactChanges   prometheus.Counter
	modelReady        prometheus.Gauge
	logger            *slog.Logger
}

func NewMetricsCollector(logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &MetricsCollector{
		registry: registry,
		predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_predictions_total",
			Help: "Total number of scored requests by verdict",
		}, []string{"verdict"}),
		predictionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_prediction_errors_total",
			Help: "Total number of failed predictions by error code and stage",
		}, []string{"code", "stage"}),
		inferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_inference_duration_seconds",
			Help:    "Time from request receipt to verdict",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		scoreDistribution: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_score_distribution",
			Help:    "Distribution of returned fraud scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		outputFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_output_fallbacks_total",
			Help: "Predictions whose score was read from the raw-output fallback",
		}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_score_cache_lookups_total",
			Help: "Score cache lookups by result",
		}, []string{"result"}),
		artifactChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_model_artifact_changes_total",
			Help: "Changes to the model artifact seen on disk since startup",
		}),
		modelReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fraud_model_ready",
			Help: "1 once the model is loaded and requests are accepted",
		}),
		logger: logger,
	}
}

func (m *MetricsCollector) RecordPrediction(duration time.Duration, score float64, isFraud bool) {
	verdict := "legit"
	if isFraud {
		verdict = "fraud"
	}
	m.predictions.WithLabelValues(verdict).Inc()
	m.inferenceDuration.Observe(duration.Seconds())
	m.scoreDistribution.Observe(score)
}

func (m *MetricsCollector) RecordError(code, stage string) {
	m.predictionErrors.WithLabelValues(code, stage).Inc()
}

func (m *MetricsCollector) RecordFallback() {
	m.outputFallbacks.Inc()
}

func (m *MetricsCollector) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *MetricsCollector) RecordArtifactChange() {
	m.artifactChanges.Inc()
}

func (m *MetricsCollector) SetModelReady(ready bool) {
	if ready {
		m.modelReady.Set(1)
		return
	}
	m.modelReady.Set(0)
}

func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewMetricsServer returns an unstarted server exposing /metrics on addr.
func (m *MetricsCollector) NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.GetHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	m.SetModelReady(false)
	m.logger.InfoContext(ctx, "Metrics collector shutdown complete")
	return nil
}
