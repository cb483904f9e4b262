package model

import (
	"errors"
	"fmt"
	"math"

	"fraud_scorer/internal/domain"
)

// Layout is the shape of the outputs an artifact produces, decided once at load.
type Layout int

const (
	LayoutUnknown Layout = iota
	// LayoutLabeledProbabilityMap is a (label, probabilities) output pair. The
	// probabilities are either a sequence of {class: probability} maps or a
	// [N, classes] tensor indexed by sample and then by class.
	LayoutLabeledProbabilityMap
	// LayoutRawScoreArray is a single numeric output whose first element is the score.
	LayoutRawScoreArray
)

func (l Layout) String() string {
	switch l {
	case LayoutLabeledProbabilityMap:
		return "labeled_probability_map"
	case LayoutRawScoreArray:
		return "raw_score_array"
	default:
		return "unknown"
	}
}

var errNoFraudProbability = errors.New("no probability for fraud class")

// ResolveLayout decides the layout from the declared outputs. A raw score
// array is only accepted from an artifact that declares a single output.
func ResolveLayout(outputs []TensorInfo) (Layout, error) {
	switch {
	case len(outputs) >= 2 && isProbabilityOutput(outputs[1]):
		return LayoutLabeledProbabilityMap, nil
	case len(outputs) == 1 && outputs[0].Kind == KindTensor && outputs[0].ElementType != ElementOther:
		return LayoutRawScoreArray, nil
	}

	kinds := make([]string, len(outputs))
	for i, o := range outputs {
		kinds[i] = o.Kind.String()
	}
	return LayoutUnknown, fmt.Errorf("unrecognized output layout %v", kinds)
}

// ExtractScore reads the fraud probability from outputs. For a labeled layout
// whose probability map cannot be read, outputs[0][0] is used instead and
// fellBack is true. That path is best effort only: it exists for export drift
// and gives no correctness guarantee.
func ExtractScore(layout Layout, outputs []Output) (score float64, fellBack bool, err error) {
	switch layout {
	case LayoutLabeledProbabilityMap:
		score, err = fraudProbability(outputs)
		if err != nil {
			raw, rawErr := rawScore(outputs)
			if rawErr != nil {
				return 0, false, fmt.Errorf("%w: %v; fallback: %v", domain.ErrUnexpectedOutput, err, rawErr)
			}
			score, fellBack = raw, true
		}
	case LayoutRawScoreArray:
		score, err = rawScore(outputs)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %v", domain.ErrUnexpectedOutput, err)
		}
	default:
		return 0, false, fmt.Errorf("%w: layout %s", domain.ErrUnexpectedOutput, layout)
	}

	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 1 {
		return 0, fellBack, fmt.Errorf("%w: score %v outside [0,1]", domain.ErrUnexpectedOutput, score)
	}
	return score, fellBack, nil
}

func isProbabilityOutput(info TensorInfo) bool {
	switch info.Kind {
	case KindSequence, KindMap:
		return true
	case KindTensor:
		return info.ElementType != ElementOther && len(info.Dims) == 2
	default:
		return false
	}
}

func fraudProbability(outputs []Output) (float64, error) {
	if len(outputs) < 2 {
		return 0, fmt.Errorf("expected 2 outputs, got %d", len(outputs))
	}
	probs := outputs[1]
	if probs.Kind == KindTensor {
		return tensorProbability(probs)
	}
	if len(probs.Maps) == 0 {
		return 0, errNoFraudProbability
	}
	p, ok := probs.Maps[0][domain.FraudClassLabel]
	if !ok {
		return 0, errNoFraudProbability
	}
	return p, nil
}

// tensorProbability reads row 0, column FraudClassLabel of a [N, classes] tensor.
func tensorProbability(probs Output) (float64, error) {
	if len(probs.Shape) != 2 {
		return 0, fmt.Errorf("probability tensor %q has shape %v, want [N, classes]", probs.Name, probs.Shape)
	}
	rows, cols := probs.Shape[0], probs.Shape[1]
	if rows < 1 || cols <= domain.FraudClassLabel || int64(len(probs.Values)) < rows*cols {
		return 0, errNoFraudProbability
	}
	const row = 0
	return probs.Values[row*cols+domain.FraudClassLabel], nil
}

func rawScore(outputs []Output) (float64, error) {
	if len(outputs) == 0 {
		return 0, errors.New("no outputs")
	}
	if outputs[0].Kind != KindTensor || len(outputs[0].Values) == 0 {
		return 0, fmt.Errorf("output %q is not a non-empty tensor", outputs[0].Name)
	}
	return outputs[0].Values[0], nil
}
