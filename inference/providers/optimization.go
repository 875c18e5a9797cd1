package providers

import (
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// OptimizationConfig tunes the ONNX Runtime session.
type OptimizationConfig struct {
	// GraphOptimizationLevel controls the level of graph optimization.
	GraphOptimizationLevel ort.GraphOptimizationLevel `yaml:"graph_optimization_level"`

	// ExecutionMode controls sequential vs parallel execution of independent nodes.
	ExecutionMode ort.ExecutionMode `yaml:"execution_mode"`

	// IntraOpNumThreads sets threads for parallelizing ops; zero lets the runtime decide.
	IntraOpNumThreads int `yaml:"intra_op_num_threads"`

	// InterOpNumThreads sets threads for parallelizing independent ops.
	InterOpNumThreads int `yaml:"inter_op_num_threads"`
}

// DefaultOptimizationConfig returns the settings used when none are given.
//
// Detector heads are mostly a single chain of convolutions, so the op pool gets half
// the cores and the inter-op pool a quarter.
func DefaultOptimizationConfig() OptimizationConfig {
	numCPU := runtime.NumCPU()

	return OptimizationConfig{
		GraphOptimizationLevel: ort.GraphOptimizationLevelEnableExtended,
		ExecutionMode:          ort.ExecutionModeSequential,
		IntraOpNumThreads:      max(1, numCPU/2),
		InterOpNumThreads:      max(1, numCPU/4),
	}
}

// OptimizedSessionOptions creates session options with the configuration applied.
//
// Arguments:
//   - config: Optimization configuration to apply.
//
// Returns:
//   - *ort.SessionOptions: Configured session options; the caller must Destroy them.
//   - error: Configuration error if any.
func OptimizedSessionOptions(config OptimizationConfig) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}

	if err := options.SetGraphOptimizationLevel(config.GraphOptimizationLevel); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "setting graph optimization level")
	}
	if err := options.SetExecutionMode(config.ExecutionMode); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "setting execution mode")
	}
	if err := options.SetIntraOpNumThreads(config.IntraOpNumThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(config.InterOpNumThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "setting inter-op threads")
	}
	return options, nil
}
