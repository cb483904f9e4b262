package model

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOpener opens artifacts with ONNX Runtime. The runtime environment is
// initialized on first use and torn down by Close.
type ONNXOpener struct {
	libraryPath string
	initOnce    sync.Once
	initErr     error
}

func NewONNXOpener(libraryPath string) *ONNXOpener {
	return &ONNXOpener{libraryPath: libraryPath}
}

func (o *ONNXOpener) init() error {
	o.initOnce.Do(func() {
		if o.libraryPath != "" {
			ort.SetSharedLibraryPath(o.libraryPath)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				o.initErr = fmt.Errorf("initialize onnxruntime: %w", err)
			}
		}
	})
	return o.initErr
}

func (o *ONNXOpener) Inspect(path string) (Signature, error) {
	if err := o.init(); err != nil {
		return Signature{}, err
	}
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return Signature{}, err
	}

	sig := Signature{
		Inputs:  make([]TensorInfo, len(inputs)),
		Outputs: make([]TensorInfo, len(outputs)),
	}
	for i, in := range inputs {
		sig.Inputs[i] = convertInfo(in)
	}
	for i, out := range outputs {
		sig.Outputs[i] = convertInfo(out)
	}
	return sig, nil
}

func (o *ONNXOpener) Open(cfg SessionConfig) (Engine, error) {
	if err := o.init(); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization level: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.Path, []string{cfg.InputName}, cfg.OutputNames, opts)
	if err != nil {
		return nil, err
	}
	return &onnxEngine{session: session, outputNames: cfg.OutputNames}, nil
}

// Close releases the runtime environment. Sessions must be closed first.
func (o *ONNXOpener) Close() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type onnxEngine struct {
	session     *ort.DynamicAdvancedSession
	outputNames []string
}

func (e *onnxEngine) Run(input []float32, width int) ([]Output, error) {
	tensor, err := ort.NewTensor(ort.NewShape(1, int64(width)), input)
	if err != nil {
		return nil, fmt.Errorf("build input tensor: %w", err)
	}
	defer tensor.Destroy()

	// nil entries are allocated by the runtime, which fills them in place and
	// may stop partway on failure
	values := make([]ort.Value, len(e.outputNames))
	defer func() {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	if err := e.session.Run([]ort.Value{tensor}, values); err != nil {
		return nil, err
	}

	outputs := make([]Output, len(values))
	for i, v := range values {
		out, err := decodeValue(e.outputNames[i], v)
		if err != nil {
			return nil, err
		}
		outputs[i] = out
	}
	return outputs, nil
}

func (e *onnxEngine) Close() error {
	return e.session.Destroy()
}

func convertInfo(info ort.InputOutputInfo) TensorInfo {
	ti := TensorInfo{
		Name: info.Name,
		Dims: append([]int64(nil), info.Dimensions...),
	}
	switch info.OrtValueType {
	case ort.ONNXTypeTensor:
		ti.Kind = KindTensor
	case ort.ONNXTypeSequence:
		ti.Kind = KindSequence
	case ort.ONNXTypeMap:
		ti.Kind = KindMap
	}
	switch info.DataType {
	case ort.TensorElementDataTypeFloat:
		ti.ElementType = ElementFloat32
	case ort.TensorElementDataTypeDouble:
		ti.ElementType = ElementFloat64
	case ort.TensorElementDataTypeInt64:
		ti.ElementType = ElementInt64
	}
	return ti
}

// decodeValue copies an output out of the runtime. Only a missing value is an
// error: an output with an unexpected structure comes back empty, so score
// extraction can reject it or fall back.
func decodeValue(name string, v ort.Value) (Output, error) {
	if v == nil {
		return Output{Name: name}, fmt.Errorf("output %q was not produced", name)
	}
	switch v.GetONNXType() {
	case ort.ONNXTypeTensor:
		out := Output{Name: name, Kind: KindTensor, Shape: append([]int64(nil), v.GetShape()...)}
		if values, err := numericData(v); err == nil {
			out.Values = values
		}
		return out, nil

	case ort.ONNXTypeSequence:
		out := Output{Name: name, Kind: KindSequence}
		seq, ok := v.(*ort.Sequence)
		if !ok {
			return out, nil
		}
		// values belong to the sequence and are released with it
		items, err := seq.GetValues()
		if err != nil {
			return out, fmt.Errorf("output %q: %w", name, err)
		}
		maps := make([]map[int64]float64, 0, len(items))
		for _, item := range items {
			m, err := classProbabilities(item)
			if err != nil {
				return out, nil
			}
			maps = append(maps, m)
		}
		out.Maps = maps
		return out, nil

	case ort.ONNXTypeMap:
		out := Output{Name: name, Kind: KindMap}
		if m, err := classProbabilities(v); err == nil {
			out.Maps = []map[int64]float64{m}
		}
		return out, nil

	default:
		return Output{Name: name, Kind: KindOther}, nil
	}
}

func classProbabilities(v ort.Value) (map[int64]float64, error) {
	m, ok := v.(*ort.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", v)
	}
	keys, values, err := m.GetKeysAndValues()
	if err != nil {
		return nil, err
	}
	labels, ok := keys.(*ort.Tensor[int64])
	if !ok {
		return nil, fmt.Errorf("map keys are %T, want int64 tensor", keys)
	}
	probs, err := numericData(values)
	if err != nil {
		return nil, err
	}
	keyData := labels.GetData()
	if len(keyData) != len(probs) {
		return nil, errors.New("map keys and values differ in length")
	}

	out := make(map[int64]float64, len(keyData))
	for i, k := range keyData {
		out[k] = probs[i]
	}
	return out, nil
}

func numericData(v ort.Value) ([]float64, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return widen(t.GetData()), nil
	case *ort.Tensor[float64]:
		return append([]float64(nil), t.GetData()...), nil
	case *ort.Tensor[int64]:
		return widen(t.GetData()), nil
	default:
		return nil, fmt.Errorf("unsupported tensor type %T", v)
	}
}

func widen[T float32 | int64](data []T) []float64 {
	out := make([]float64, len(data))
	for i, d := range data {
		out[i] = float64(d)
	}
	return out
}
