package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"fraud_scorer/internal/domain"
)

// engineThreads pins the engine to one thread per call so the only
// concurrency axis is the number of in-flight HTTP requests.
const engineThreads = 1

var ErrArtifactNotFound = errors.New("model artifact not found")

type Options struct {
	Path string
	// InputWidth is used when the artifact declares a symbolic width. When the
	// artifact declares a concrete width the two must agree.
	InputWidth int
	Logger     *slog.Logger
}

// Handle is the loaded model. It is never mutated after Load returns.
type Handle struct {
	path           string
	inputName      string
	inputWidth     int
	outputNames    []string
	layout         Layout
	intraOpThreads int
	interOpThreads int
	engine         Engine
	closeOnce      sync.Once
	closeErr       error
}

// Load opens the artifact at opts.Path exactly once. Any error is meant to
// abort startup.
func Load(ctx context.Context, opts Options, opener Opener) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(opts.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, opts.Path)
		}
		return nil, fmt.Errorf("stat model artifact: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("model artifact %s is a directory", opts.Path)
	}

	logger.InfoContext(ctx, "Loading model", slog.String("path", opts.Path))

	sig, err := opener.Inspect(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("inspect model artifact: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(sig.Inputs) == 0 {
		return nil, errors.New("model declares no inputs")
	}
	input := sig.Inputs[0]
	if input.Kind != KindTensor || input.ElementType != ElementFloat32 {
		return nil, fmt.Errorf("model input %q must be a float32 tensor", input.Name)
	}
	width, err := resolveWidth(input, opts.InputWidth)
	if err != nil {
		return nil, err
	}

	layout, err := ResolveLayout(sig.Outputs)
	if err != nil {
		return nil, err
	}

	outputNames := make([]string, len(sig.Outputs))
	for i, o := range sig.Outputs {
		outputNames[i] = o.Name
	}

	engine, err := opener.Open(SessionConfig{
		Path:           opts.Path,
		InputName:      input.Name,
		OutputNames:    outputNames,
		IntraOpThreads: engineThreads,
		InterOpThreads: engineThreads,
	})
	if err != nil {
		return nil, fmt.Errorf("open model session: %w", err)
	}
	if err := ctx.Err(); err != nil {
		engine.Close()
		return nil, err
	}

	h := &Handle{
		path:           opts.Path,
		inputName:      input.Name,
		inputWidth:     width,
		outputNames:    outputNames,
		layout:         layout,
		intraOpThreads: engineThreads,
		interOpThreads: engineThreads,
		engine:         engine,
	}

	logger.InfoContext(ctx, "Model loaded",
		slog.String("path", h.path),
		slog.String("input_name", h.inputName),
		slog.Int("input_width", h.inputWidth),
		slog.Any("outputs", h.outputNames),
		slog.String("layout", h.layout.String()),
		slog.Int("intra_op_threads", h.intraOpThreads),
		slog.Int("inter_op_threads", h.interOpThreads))

	return h, nil
}

func resolveWidth(input TensorInfo, configured int) (int, error) {
	if len(input.Dims) > 2 {
		return 0, fmt.Errorf("model input %q has rank %d, want 1 or 2", input.Name, len(input.Dims))
	}
	declared := int64(-1)
	if len(input.Dims) > 0 {
		declared = input.Dims[len(input.Dims)-1]
	}

	if declared > 0 {
		if configured > 0 && int64(configured) != declared {
			return 0, fmt.Errorf("model input width %d does not match configured width %d", declared, configured)
		}
		return int(declared), nil
	}
	if configured <= 0 {
		return 0, fmt.Errorf("model input %q has symbolic width and no width is configured", input.Name)
	}
	return configured, nil
}

func (h *Handle) Path() string          { return h.path }
func (h *Handle) InputName() string     { return h.inputName }
func (h *Handle) InputWidth() int       { return h.inputWidth }
func (h *Handle) Layout() Layout        { return h.layout }
func (h *Handle) OutputNames() []string { return append([]string(nil), h.outputNames...) }

func (h *Handle) Threads() (intraOp, interOp int) {
	return h.intraOpThreads, h.interOpThreads
}

// Run executes the model on one feature row.
func (h *Handle) Run(features []float32) ([]Output, error) {
	if len(features) != h.inputWidth {
		return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrFeatureCount, len(features), h.inputWidth)
	}
	outputs, err := h.engine.Run(features, h.inputWidth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrModelExecution, err)
	}
	return outputs, nil
}

func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.engine.Close()
	})
	return h.closeErr
}
