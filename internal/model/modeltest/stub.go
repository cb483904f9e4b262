// Package modeltest provides an in-memory engine for tests that must not depend
// on ONNX Runtime being installed.
package modeltest

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"fraud_scorer/internal/model"
)

const InputName = "float_input"

// Engine returns Outputs (or Err) on every call unless Fn is set.
type Engine struct {
	Outputs []model.Output
	Err     error
	Fn      func(input []float32) ([]model.Output, error)

	calls  atomic.Int64
	closed atomic.Bool
}

func (e *Engine) Run(input []float32, width int) ([]model.Output, error) {
	e.calls.Add(1)
	if e.Fn != nil {
		return e.Fn(input)
	}
	if e.Err != nil {
		return nil, e.Err
	}
	return e.Outputs, nil
}

func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *Engine) Calls() int64 { return e.calls.Load() }
func (e *Engine) Closed() bool { return e.closed.Load() }

// Opener hands out Engine for any path and remembers the session config it
// was asked for.
type Opener struct {
	Signature  model.Signature
	Engine     model.Engine
	InspectErr error
	OpenErr    error

	// Block, when set, holds Inspect until it is closed.
	Block <-chan struct{}

	mu      sync.Mutex
	configs []model.SessionConfig
}

func (o *Opener) Inspect(path string) (model.Signature, error) {
	if o.Block != nil {
		<-o.Block
	}
	if o.InspectErr != nil {
		return model.Signature{}, o.InspectErr
	}
	return o.Signature, nil
}

func (o *Opener) Open(cfg model.SessionConfig) (model.Engine, error) {
	o.mu.Lock()
	o.configs = append(o.configs, cfg)
	o.mu.Unlock()
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	return o.Engine, nil
}

func (o *Opener) Configs() []model.SessionConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.SessionConfig(nil), o.configs...)
}

// ProbabilityMapSignature mirrors an XGBoost export with ZipMap enabled.
func ProbabilityMapSignature(width int) model.Signature {
	return model.Signature{
		Inputs: []model.TensorInfo{floatInput(width)},
		Outputs: []model.TensorInfo{
			{Name: "label", Kind: model.KindTensor, ElementType: model.ElementInt64, Dims: []int64{-1}},
			{Name: "probabilities", Kind: model.KindSequence},
		},
	}
}

// ProbabilityTensorSignature mirrors the same export with ZipMap disabled.
func ProbabilityTensorSignature(width int) model.Signature {
	return model.Signature{
		Inputs: []model.TensorInfo{floatInput(width)},
		Outputs: []model.TensorInfo{
			{Name: "label", Kind: model.KindTensor, ElementType: model.ElementInt64, Dims: []int64{-1}},
			{Name: "probabilities", Kind: model.KindTensor, ElementType: model.ElementFloat32, Dims: []int64{-1, 2}},
		},
	}
}

func RawScoreSignature(width int) model.Signature {
	return model.Signature{
		Inputs: []model.TensorInfo{floatInput(width)},
		Outputs: []model.TensorInfo{
			{Name: "score", Kind: model.KindTensor, ElementType: model.ElementFloat32, Dims: []int64{-1, 1}},
		},
	}
}

func floatInput(width int) model.TensorInfo {
	return model.TensorInfo{
		Name:        InputName,
		Kind:        model.KindTensor,
		ElementType: model.ElementFloat32,
		Dims:        []int64{-1, int64(width)},
	}
}

// ProbabilityMapOutputs builds the (label, [{class: p}]) pair for one sample.
func ProbabilityMapOutputs(probs map[int64]float64) []model.Output {
	label := 0.0
	if probs[1] > probs[0] {
		label = 1
	}
	return []model.Output{
		{Name: "label", Kind: model.KindTensor, Shape: []int64{1}, Values: []float64{label}},
		{Name: "probabilities", Kind: model.KindSequence, Maps: []map[int64]float64{probs}},
	}
}

// ProbabilityTensorOutputs builds the (label, [N, 2] probabilities) pair for one sample.
func ProbabilityTensorOutputs(fraud float64) []model.Output {
	label := 0.0
	if fraud > 0.5 {
		label = 1
	}
	return []model.Output{
		{Name: "label", Kind: model.KindTensor, Shape: []int64{1}, Values: []float64{label}},
		{Name: "probabilities", Kind: model.KindTensor, Shape: []int64{1, 2}, Values: []float64{1 - fraud, fraud}},
	}
}

func RawScoreOutputs(score float64) []model.Output {
	return []model.Output{
		{Name: "score", Kind: model.KindTensor, Shape: []int64{1, 1}, Values: []float64{score}},
	}
}

// WriteArtifact creates a placeholder artifact file so Load's existence check passes.
func WriteArtifact(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fraud_model_quant.onnx")
	if err := os.WriteFile(path, []byte("stub"), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

// LoadHandle loads a handle backed by engine with the given signature.
func LoadHandle(t testing.TB, sig model.Signature, engine model.Engine) *model.Handle {
	t.Helper()
	opener := &Opener{Signature: sig, Engine: engine}
	h, err := model.Load(t.Context(), model.Options{Path: WriteArtifact(t)}, opener)
	if err != nil {
		t.Fatalf("load stub model: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}
