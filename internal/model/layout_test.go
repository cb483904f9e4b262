package model

import (
	"errors"
	"math"
	"testing"

	"fraud_scorer/internal/domain"
)

func labeledOutputs(probs ...map[int64]float64) []Output {
	return []Output{
		{Name: "label", Kind: KindTensor, Values: []float64{1}},
		{Name: "probabilities", Kind: KindSequence, Maps: probs},
	}
}

func TestResolveLayout(t *testing.T) {
	tests := []struct {
		name    string
		outputs []TensorInfo
		want    Layout
		wantErr bool
	}{
		{
			name: "label and probability sequence",
			outputs: []TensorInfo{
				{Name: "label", Kind: KindTensor, ElementType: ElementInt64},
				{Name: "probabilities", Kind: KindSequence},
			},
			want: LayoutLabeledProbabilityMap,
		},
		{
			name:    "single float tensor",
			outputs: []TensorInfo{{Name: "score", Kind: KindTensor, ElementType: ElementFloat32}},
			want:    LayoutRawScoreArray,
		},
		{
			name: "label and probability tensor",
			outputs: []TensorInfo{
				{Name: "label", Kind: KindTensor, ElementType: ElementInt64, Dims: []int64{-1}},
				{Name: "probabilities", Kind: KindTensor, ElementType: ElementFloat32, Dims: []int64{-1, 2}},
			},
			want: LayoutLabeledProbabilityMap,
		},
		{
			name: "second output without class axis",
			outputs: []TensorInfo{
				{Name: "label", Kind: KindTensor, ElementType: ElementInt64, Dims: []int64{-1}},
				{Name: "margin", Kind: KindTensor, ElementType: ElementFloat32, Dims: []int64{-1}},
			},
			wantErr: true,
		},
		{name: "no outputs", wantErr: true},
		{
			name:    "opaque output",
			outputs: []TensorInfo{{Name: "x", Kind: KindOther}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveLayout(tt.outputs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractScore_ProbabilityMap(t *testing.T) {
	score, fellBack, err := ExtractScore(LayoutLabeledProbabilityMap, labeledOutputs(map[int64]float64{0: 0.1, 1: 0.9}))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fellBack {
		t.Error("structured output must not use the fallback")
	}
	if score != 0.9 {
		t.Errorf("expected 0.9, got %v", score)
	}
}

func TestExtractScore_ProbabilityTensor(t *testing.T) {
	outputs := []Output{
		{Name: "label", Kind: KindTensor, Shape: []int64{1}, Values: []float64{1}},
		{Name: "probabilities", Kind: KindTensor, Shape: []int64{1, 2}, Values: []float64{0.45, 0.55}},
	}

	score, fellBack, err := ExtractScore(LayoutLabeledProbabilityMap, outputs)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fellBack {
		t.Error("probability tensor must not use the fallback")
	}
	if score != 0.55 {
		t.Errorf("expected 0.55, got %v", score)
	}
}

func TestExtractScore_ProbabilityTensorReadsFirstRow(t *testing.T) {
	outputs := []Output{
		{Name: "label", Kind: KindTensor, Shape: []int64{2}, Values: []float64{0, 1}},
		{Name: "probabilities", Kind: KindTensor, Shape: []int64{2, 3}, Values: []float64{0.7, 0.2, 0.1, 0.1, 0.8, 0.1}},
	}

	score, _, err := ExtractScore(LayoutLabeledProbabilityMap, outputs)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 0.2 {
		t.Errorf("expected 0.2, got %v", score)
	}
}

func TestExtractScore_FallsBackOnMalformedProbabilityTensor(t *testing.T) {
	outputs := []Output{
		{Name: "label", Kind: KindTensor, Shape: []int64{1}, Values: []float64{0}},
		{Name: "probabilities", Kind: KindTensor, Shape: []int64{1, 1}, Values: []float64{0.9}},
	}

	score, fellBack, err := ExtractScore(LayoutLabeledProbabilityMap, outputs)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fellBack || score != 0 {
		t.Errorf("expected fallback to label value 0, got score=%v fellBack=%v", score, fellBack)
	}
}

// An output whose maps could not be decoded arrives with no maps at all.
func TestExtractScore_FallsBackOnUndecodableMaps(t *testing.T) {
	outputs := []Output{
		{Name: "label", Kind: KindTensor, Shape: []int64{1}, Values: []float64{1}},
		{Name: "probabilities", Kind: KindSequence},
	}

	score, fellBack, err := ExtractScore(LayoutLabeledProbabilityMap, outputs)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fellBack || score != 1 {
		t.Errorf("expected fallback to label value 1, got score=%v fellBack=%v", score, fellBack)
	}
}

func TestExtractScore_FallsBackToFirstOutput(t *testing.T) {
	outputs := []Output{{Name: "score", Kind: KindTensor, Values: []float64{0.2}}}

	score, fellBack, err := ExtractScore(LayoutLabeledProbabilityMap, outputs)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fellBack {
		t.Error("expected fallback for a raw array")
	}
	if score != 0.2 {
		t.Errorf("expected 0.2, got %v", score)
	}
}

func TestExtractScore_FallsBackOnMissingFraudKey(t *testing.T) {
	score, fellBack, err := ExtractScore(LayoutLabeledProbabilityMap, labeledOutputs(map[int64]float64{0: 1}))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fellBack || score != 1 {
		t.Errorf("expected fallback to label value 1, got score=%v fellBack=%v", score, fellBack)
	}
}

func TestExtractScore_RawScoreArray(t *testing.T) {
	outputs := []Output{{Name: "score", Kind: KindTensor, Values: []float64{0.2, 0.7}}}

	score, fellBack, err := ExtractScore(LayoutRawScoreArray, outputs)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fellBack {
		t.Error("raw layout reads outputs[0][0] directly")
	}
	if score != 0.2 {
		t.Errorf("expected 0.2, got %v", score)
	}
}

func TestExtractScore_Errors(t *testing.T) {
	tests := []struct {
		name    string
		layout  Layout
		outputs []Output
	}{
		{"no outputs", LayoutRawScoreArray, nil},
		{"empty tensor", LayoutRawScoreArray, []Output{{Kind: KindTensor}}},
		{"nan score", LayoutRawScoreArray, []Output{{Kind: KindTensor, Values: []float64{math.NaN()}}}},
		{"score above one", LayoutRawScoreArray, []Output{{Kind: KindTensor, Values: []float64{3.5}}}},
		{"negative score", LayoutLabeledProbabilityMap, labeledOutputs(map[int64]float64{1: -0.1})},
		{"unusable structure", LayoutLabeledProbabilityMap, []Output{{Kind: KindSequence}}},
		{"unknown layout", LayoutUnknown, labeledOutputs(map[int64]float64{1: 0.5})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ExtractScore(tt.layout, tt.outputs)
			if !errors.Is(err, domain.ErrUnexpectedOutput) {
				t.Errorf("expected ErrUnexpectedOutput, got %v", err)
			}
		})
	}
}
