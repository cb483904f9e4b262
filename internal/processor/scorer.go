package processor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"fraud_scorer/internal/domain"
	"fraud_scorer/internal/model"
	"fraud_scorer/pkg/metrics"
	"fraud_scorer/pkg/validator"
)

// StageError records the stage a request was attempting when it failed.
type StageError struct {
	Stage domain.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage attached to err, or StageReceived when there is none.
func StageOf(err error) domain.Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return domain.StageReceived
}

type ScorerOptions struct {
	// CacheSize bounds the score cache. Zero disables caching.
	CacheSize int
	Metrics   *metrics.MetricsCollector
	Validator *validator.FeatureValidator
	Logger    *slog.Logger
}

// Scorer turns a feature vector into a verdict using a loaded model. It holds
// no per-request state and is safe for concurrent use.
type Scorer struct {
	handle       *model.Handle
	validator    *validator.FeatureValidator
	cache        *lru.Cache[string, float64]
	metrics      *metrics.MetricsCollector
	logger       *slog.Logger
	fallbackOnce sync.Once
}

func NewScorer(handle *model.Handle, opts ScorerOptions) (*Scorer, error) {
	if handle == nil {
		return nil, errors.New("scorer requires a loaded model")
	}
	if opts.CacheSize < 0 {
		return nil, fmt.Errorf("cache size must not be negative, got %d", opts.CacheSize)
	}

	s := &Scorer{
		handle:    handle,
		validator: opts.Validator,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.validator == nil {
		s.validator = validator.NewFeatureValidator()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewMetricsCollector(s.logger)
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, float64](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create score cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

func (s *Scorer) InputWidth() int {
	return s.handle.InputWidth()
}

// Score times the request from the moment it is called.
func (s *Scorer) Score(ctx context.Context, features []float64) (*domain.PredictionResult, error) {
	return s.ScoreSince(ctx, time.Now(), features)
}

// ScoreSince scores features and reports the elapsed time since received,
// which should be taken from the monotonic clock.
func (s *Scorer) ScoreSince(ctx context.Context, received time.Time, features []float64) (*domain.PredictionResult, error) {
	if err := s.validator.ValidateFeatures(features, s.handle.InputWidth()); err != nil {
		return nil, &StageError{Stage: domain.StageValidated, Err: err}
	}

	key := ""
	if s.cache != nil {
		key = cacheKey(features)
		if score, ok := s.cache.Get(key); ok {
			s.metrics.RecordCacheLookup(true)
			return s.verdict(received, score), nil
		}
		s.metrics.RecordCacheLookup(false)
	}

	tensor := domain.FeatureVector(features).Float32()

	// a run cannot be interrupted once started
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: domain.StageScored, Err: err}
	}

	outputs, err := s.handle.Run(tensor)
	if err != nil {
		return nil, &StageError{Stage: domain.StageScored, Err: err}
	}

	score, fellBack, err := model.ExtractScore(s.handle.Layout(), outputs)
	if err != nil {
		return nil, &StageError{Stage: domain.StageScored, Err: err}
	}
	if fellBack {
		s.recordFallback(ctx)
	}

	if s.cache != nil {
		s.cache.Add(key, score)
	}
	return s.verdict(received, score), nil
}

func (s *Scorer) verdict(received time.Time, score float64) *domain.PredictionResult {
	elapsed := time.Since(received)
	result := domain.NewPredictionResult(score, elapsed)
	s.metrics.RecordPrediction(elapsed, result.FraudScore, result.IsFraud)
	return result
}

func (s *Scorer) recordFallback(ctx context.Context) {
	s.metrics.RecordFallback()
	s.fallbackOnce.Do(func() {
		s.logger.WarnContext(ctx, "Probability map unreadable, using raw score output",
			slog.String("layout", s.handle.Layout().String()),
			slog.Any("outputs", s.handle.OutputNames()))
	})
}

// cacheKey encodes the exact bit pattern of every feature.
func cacheKey(features []float64) string {
	buf := make([]byte, 8*len(features))
	for i, f := range features {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return string(buf)
}
