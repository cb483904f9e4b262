package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"fraud_scorer/internal/config"
	"fraud_scorer/internal/domain"
	"fraud_scorer/internal/processor"
	"fraud_scorer/pkg/crypto"
	"fraud_scorer/pkg/metrics"
	"fraud_scorer/pkg/validator"
)

const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidation       = "VALIDATION_ERROR"
	CodeFeatureCount     = "FEATURE_COUNT_MISMATCH"
	CodeInvalidFeatures  = "INVALID_FEATURES"
	CodeBodyTooLarge     = "BODY_TOO_LARGE"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeNotReady         = "MODEL_NOT_READY"
	CodeTimeout          = "REQUEST_TIMEOUT"
	CodeModelExecution   = "MODEL_EXECUTION_ERROR"
	CodeUnexpectedOutput = "UNEXPECTED_MODEL_OUTPUT"
	CodeInternal         = "INTERNAL_ERROR"
)

type APIHandler struct {
	scorer         atomic.Pointer[processor.Scorer]
	validator      *validator.FeatureValidator
	metrics        *metrics.MetricsCollector
	signer         *crypto.Signer
	logger         *slog.Logger
	requestTimeout time.Duration
	maxBodyBytes   int64
}

// NewAPIHandler returns a handler that answers 503 on /predict until
// SetScorer is called. A nil signer disables signature checks.
func NewAPIHandler(
	cfg config.HTTPConfig,
	collector *metrics.MetricsCollector,
	signer *crypto.Signer,
	logger *slog.Logger,
) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewMetricsCollector(logger)
	}

	h := &APIHandler{
		validator:      validator.NewFeatureValidator(),
		metrics:        collector,
		signer:         signer,
		logger:         logger,
		requestTimeout: cfg.RequestTimeout,
		maxBodyBytes:   cfg.MaxBodyBytes,
	}
	if h.requestTimeout <= 0 {
		h.requestTimeout = 5 * time.Second
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 64 << 10
	}
	return h
}

type HealthResponse struct {
	Status domain.HealthStatus `json:"status"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// SetScorer publishes the scorer once the model is loaded. Later calls are
// ignored; the model is never swapped.
func (h *APIHandler) SetScorer(s *processor.Scorer) bool {
	if !h.scorer.CompareAndSwap(nil, s) {
		return false
	}
	h.metrics.SetModelReady(true)
	return true
}

func (h *APIHandler) Ready() bool {
	return h.scorer.Load() != nil
}

func (h *APIHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := domain.HealthStarting
	if h.Ready() {
		status = domain.HealthHealthy
	}
	h.sendJSON(w, HealthResponse{Status: status}, http.StatusOK)
}

func (h *APIHandler) PredictHandler(w http.ResponseWriter, r *http.Request) {
	received := ReceivedAt(r.Context())
	if received.IsZero() {
		received = time.Now()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	scorer := h.scorer.Load()
	if scorer == nil {
		h.fail(w, r, "Model is not loaded yet", http.StatusServiceUnavailable, CodeNotReady, domain.StageReceived, "")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, "Request body too large", http.StatusRequestEntityTooLarge, CodeBodyTooLarge, domain.StageReceived, "")
			return
		}
		h.fail(w, r, "Failed to read request body", http.StatusBadRequest, CodeInvalidRequest, domain.StageReceived, "")
		return
	}

	if h.signer != nil {
		if err := h.signer.Verify(body, r.Header.Get(crypto.SignatureHeader)); err != nil {
			h.fail(w, r, "Invalid signature", http.StatusUnauthorized, CodeInvalidSignature, domain.StageReceived, err.Error())
			return
		}
	}

	var req validator.PredictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, r, "Invalid request body", http.StatusBadRequest, CodeInvalidRequest, domain.StageReceived, err.Error())
		return
	}
	if details := h.validator.ValidateRequest(req); len(details) > 0 {
		h.fail(w, r, "Invalid request", http.StatusBadRequest, CodeValidation, domain.StageValidated, validator.Summary(details))
		return
	}

	result, err := scorer.ScoreSince(ctx, received, req.Values())
	if err != nil {
		h.handleScoreError(w, r, err)
		return
	}

	h.sendJSON(w, result, http.StatusOK)
	h.logger.DebugContext(ctx, "Prediction served",
		slog.String("request_id", RequestIDFromContext(ctx)),
		slog.Float64("fraud_score", result.FraudScore),
		slog.Bool("is_fraud", result.IsFraud),
		slog.Float64("inference_time_ms", result.InferenceTimeMs))
}

func (h *APIHandler) handleScoreError(w http.ResponseWriter, r *http.Request, err error) {
	stage := processor.StageOf(err)

	switch {
	case errors.Is(err, domain.ErrFeatureCount):
		h.fail(w, r, "Wrong number of features", http.StatusBadRequest, CodeFeatureCount, stage, err.Error())
	case errors.Is(err, domain.ErrInvalidFeatures):
		h.fail(w, r, "Invalid features", http.StatusBadRequest, CodeInvalidFeatures, stage, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.fail(w, r, "Request timed out before scoring", http.StatusServiceUnavailable, CodeTimeout, stage, "")
	case errors.Is(err, domain.ErrModelExecution):
		h.logScoreError(r, err, stage)
		h.fail(w, r, "Model execution failed", http.StatusInternalServerError, CodeModelExecution, stage, "")
	case errors.Is(err, domain.ErrUnexpectedOutput):
		h.logScoreError(r, err, stage)
		h.fail(w, r, "Model returned an unusable score", http.StatusInternalServerError, CodeUnexpectedOutput, stage, "")
	default:
		h.logScoreError(r, err, stage)
		h.fail(w, r, "Prediction failed", http.StatusInternalServerError, CodeInternal, stage, "")
	}
}

func (h *APIHandler) logScoreError(r *http.Request, err error, stage domain.Stage) {
	h.logger.ErrorContext(r.Context(), "Prediction failed",
		slog.String("error", err.Error()),
		slog.String("stage", string(stage)),
		slog.String("request_id", RequestIDFromContext(r.Context())))
}

func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, message string, statusCode int, code string, stage domain.Stage, details string) {
	h.metrics.RecordError(code, string(stage))
	h.sendError(w, r, message, statusCode, code, details)
}

func (h *APIHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (h *APIHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int, code, details string) {
	requestID := RequestIDFromContext(r.Context())
	h.sendJSON(w, ErrorResponse{
		Error:     message,
		Code:      code,
		Details:   details,
		RequestID: requestID,
	}, statusCode)

	h.logger.Warn("API error response",
		slog.String("message", message),
		slog.String("code", code),
		slog.Int("status", statusCode),
		slog.String("request_id", requestID))
}

func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheckHandler)
	mux.HandleFunc("POST /predict", h.PredictHandler)
}

// Handler returns the routed mux wrapped in the middleware chain.
func (h *APIHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return Chain(
		RequestID,
		AccessLog(h.logger),
		h.Recovery,
		MaxBytes(h.maxBodyBytes),
	)(mux)
}
