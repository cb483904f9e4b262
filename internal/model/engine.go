// Package model loads the fraud ensemble once per process and exposes it as an
// immutable Handle shared by every request.
package model

type ValueKind int

const (
	KindOther ValueKind = iota
	KindTensor
	KindSequence
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindTensor:
		return "tensor"
	case KindSequence:
		return "sequence"
	case KindMap:
		return "map"
	default:
		return "other"
	}
}

type ElementType int

const (
	ElementOther ElementType = iota
	ElementFloat32
	ElementFloat64
	ElementInt64
)

// TensorInfo describes one declared input or output of an artifact.
// Dims uses -1 for symbolic dimensions.
type TensorInfo struct {
	Name        string
	Kind        ValueKind
	ElementType ElementType
	Dims        []int64
}

type Signature struct {
	Inputs  []TensorInfo
	Outputs []TensorInfo
}

// Output is one decoded model output. Tensor outputs fill Values (row-major),
// sequence-of-map outputs fill Maps, one map per sample.
type Output struct {
	Name   string
	Kind   ValueKind
	Shape  []int64
	Values []float64
	Maps   []map[int64]float64
}

// SessionConfig is everything an Opener needs to build an execution session.
type SessionConfig struct {
	Path           string
	InputName      string
	OutputNames    []string
	IntraOpThreads int
	InterOpThreads int
}

// Engine runs a single-row inference. Implementations must be safe for
// concurrent use.
type Engine interface {
	Run(input []float32, width int) ([]Output, error)
	Close() error
}

// Opener inspects and opens artifacts for a particular execution engine.
type Opener interface {
	Inspect(path string) (Signature, error)
	Open(cfg SessionConfig) (Engine, error)
}
