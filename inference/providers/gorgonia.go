package providers

import (
	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// GraphBuilder adds a detector head to g reading from input, an NCHW float32 node, and
// returns the ids, scores, and boxes nodes.
type GraphBuilder func(g *G.ExprGraph, input *G.Node) (ids, scores, boxes *G.Node, err error)

// GorgoniaBackend runs a detector graph built with gorgonia on the CPU.
//
// The graph is built once per bound shape and evaluated with a tape machine; the input
// node is re-bound to the executor's buffer before every pass.
type GorgoniaBackend struct {
	build  GraphBuilder
	logger *zap.Logger
}

// NewGorgoniaBackend creates a pure-Go backend.
//
// Arguments:
//   - build: The graph builder.
//   - device: Must be the CPU; gorgonia has no CUDA build here.
//   - logger: The logger; nil disables logging.
//
// Returns:
//   - *GorgoniaBackend: The backend.
//   - error: An error wrapping inference.ErrDeviceUnavailable for GPU devices.
func NewGorgoniaBackend(build GraphBuilder, device Device, logger *zap.Logger) (*GorgoniaBackend, error) {
	if device.Mode != ProviderModeCPU {
		return nil, errors.Wrapf(inference.ErrDeviceUnavailable, "gorgonia backend runs on cpu only, got %s", device)
	}
	if build == nil {
		return nil, errors.Wrap(inference.ErrModelLoad, "no graph builder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GorgoniaBackend{build: build, logger: logger}, nil
}

// Name identifies the backend.
func (b *GorgoniaBackend) Name() string {
	return "gorgonia/cpu"
}

// Bind builds the graph for a fixed input shape.
//
// Arguments:
//   - shape: The input shape.
//
// Returns:
//   - inference.Executor: The executor.
//   - error: An error wrapping inference.ErrBindFailure.
func (b *GorgoniaBackend) Bind(shape inference.Shape) (inference.Executor, error) {
	g := G.NewGraph()
	input := G.NewTensor(g, tensor.Float32, len(shape), G.WithShape(shape...), G.WithName(inference.DefaultInputName))

	ids, scores, boxes, err := b.build(g, input)
	if err != nil {
		return nil, errors.Wrapf(inference.ErrBindFailure, "building graph for %v: %v", shape, err)
	}

	data := make([]float32, shape.Size())
	value := tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32), tensor.WithBacking(data))
	if err := G.Let(input, value); err != nil {
		return nil, errors.Wrapf(inference.ErrBindFailure, "binding input: %v", err)
	}

	b.logger.Debug("gorgonia graph built", zap.Int("nodes", len(g.AllNodes())), zap.Stringer("shape", shape))

	return &gorgoniaExecutor{
		machine: G.NewTapeMachine(g),
		input:   input,
		value:   value,
		data:    data,
		outputs: [inference.DefaultOutputCount]*G.Node{ids, scores, boxes},
	}, nil
}

// Close is a no-op; graphs belong to their executors.
func (b *GorgoniaBackend) Close() error {
	return nil
}

type gorgoniaExecutor struct {
	machine G.VM
	input   *G.Node
	value   *tensor.Dense
	data    []float32
	outputs [inference.DefaultOutputCount]*G.Node
	ran     bool
}

func (e *gorgoniaExecutor) Input() []float32 {
	return e.data
}

// WaitAll is a no-op: the tape machine runs synchronously on the calling goroutine.
func (e *gorgoniaExecutor) WaitAll() error {
	return nil
}

func (e *gorgoniaExecutor) Forward() error {
	e.machine.Reset()
	if err := G.Let(e.input, e.value); err != nil {
		return errors.Wrap(err, "binding input")
	}
	if err := e.machine.RunAll(); err != nil {
		return errors.Wrap(err, "running tape machine")
	}
	e.ran = true
	return nil
}

func (e *gorgoniaExecutor) Outputs() (inference.Outputs, error) {
	if !e.ran {
		return inference.Outputs{}, errors.New("no forward pass has run")
	}

	var dense [inference.DefaultOutputCount]*tensor.Dense
	for i, node := range e.outputs {
		v := node.Value()
		if v == nil {
			return inference.Outputs{}, errors.Errorf("output %s has no value", node.Name())
		}
		shape := inference.Shape(v.Shape().Clone())
		if v.Shape().IsScalar() {
			shape = inference.Shape{1}
		}
		switch data := v.Data().(type) {
		case []float32:
			dense[i] = inference.Dense(shape, data)
		case []float64:
			dense[i] = inference.Dense(shape, data)
		case float32:
			dense[i] = inference.Dense(shape, []float32{data})
		default:
			return inference.Outputs{}, errors.Errorf("output %s has unsupported data %T", node.Name(), data)
		}
	}
	return inference.Outputs{IDs: dense[0], Scores: dense[1], Boxes: dense[2]}, nil
}

func (e *gorgoniaExecutor) Close() error {
	return e.machine.Close()
}
