package domain

import (
	"errors"
	"math"
	"time"
)

const (
	// FraudThreshold is the fixed decision boundary: scores strictly above it are fraud.
	FraudThreshold = 0.5
	// FraudClassLabel is the class key holding the fraud probability in a probability map.
	FraudClassLabel int64 = 1
	// DefaultFeatureCount is the input width of the reference artifact.
	DefaultFeatureCount = 30
)

type Stage string

const (
	StageReceived    Stage = "received"
	StageValidated   Stage = "validated"
	StageTensorBuilt Stage = "tensor_built"
	StageScored      Stage = "scored"
	StageResponded   Stage = "responded"
	StageErrored     Stage = "errored"
)

type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
)

var (
	ErrInvalidFeatures  = errors.New("invalid features")
	ErrFeatureCount     = errors.New("feature count mismatch")
	ErrNotReady         = errors.New("model not loaded")
	ErrModelExecution   = errors.New("model execution failed")
	ErrUnexpectedOutput = errors.New("unexpected model output")
)

type FeatureVector []float64

// Float32 converts the vector to the precision the model was trained with.
// Values beyond math.MaxFloat32 become ±Inf, so range checks must run first.
func (v FeatureVector) Float32() []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

type PredictionResult struct {
	FraudScore      float64 `json:"fraud_score"`
	IsFraud         bool    `json:"is_fraud"`
	InferenceTimeMs float64 `json:"inference_time_ms"`
}

func NewPredictionResult(score float64, elapsed time.Duration) *PredictionResult {
	return &PredictionResult{
		FraudScore:      score,
		IsFraud:         IsFraud(score),
		InferenceTimeMs: DurationMillis(elapsed),
	}
}

func IsFraud(score float64) bool {
	return score > FraudThreshold
}

// DurationMillis returns d in milliseconds rounded to two decimals.
func DurationMillis(d time.Duration) float64 {
	if d < 0 {
		d = 0
	}
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*100) / 100
}
