package providers

import (
	"os"
	"sync"

	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

var (
	envMu       sync.Mutex
	envSessions int
)

// acquireEnvironment initializes the process-wide ONNX Runtime environment on first use.
func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		if _, err := os.Stat(libPath); err != nil {
			return errors.Wrapf(err, "onnxruntime library not found at %s (set %s)", libPath, SharedLibEnv)
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "initializing onnxruntime environment")
		}
	}
	envSessions++
	return nil
}

// releaseEnvironment tears the environment down when its last user is gone.
func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	envSessions--
	if envSessions <= 0 && ort.IsInitialized() {
		envSessions = 0
		ort.DestroyEnvironment()
	}
}

// ONNXOptions configures an ONNX Runtime backend.
type ONNXOptions struct {
	// ModelData is the serialized ONNX graph.
	ModelData []byte
	// InputName is the image input, e.g. "data".
	InputName string
	// IDsName, ScoresName, and BoxesName are the three detector outputs.
	IDsName    string
	ScoresName string
	BoxesName  string
	// Device selects the CPU or a CUDA device.
	Device Device
	// CUDA overrides the CUDA provider settings; zero value uses DefaultCUDAOptions.
	CUDA *CUDAOptions
	// LibraryPath overrides GetSharedLibPath.
	LibraryPath string
	// Optimization overrides DefaultOptimizationConfig.
	Optimization *OptimizationConfig
}

// ONNXBackend runs a detector exported to ONNX with ONNX Runtime.
//
// The model is parsed and the native session created at construction, so model and
// device problems surface at configuration time. Input shapes are bound per executor.
type ONNXBackend struct {
	opts    ONNXOptions
	input   ort.InputOutputInfo
	session *ort.DynamicAdvancedSession
	logger  *zap.Logger
}

// NewONNXBackend parses the model and creates the native session.
//
// Order of operations:
//  1. Device check: the requested GPU must be visible.
//  2. Environment setup: loads the shared library once per process.
//  3. Model inspection: the configured input and outputs must exist.
//  4. Session options: thread pools, graph optimizations, and the CUDA provider.
//  5. Session creation.
//
// Arguments:
//   - opts: The backend options.
//   - logger: The logger; nil disables logging.
//
// Returns:
//   - *ONNXBackend: The backend.
//   - error: An error wrapping inference.ErrModelLoad or inference.ErrDeviceUnavailable.
func NewONNXBackend(opts ONNXOptions, logger *zap.Logger) (*ONNXBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.InputName == "" {
		opts.InputName = inference.DefaultInputName
	}
	if opts.IDsName == "" {
		opts.IDsName = inference.DefaultIDsName
	}
	if opts.ScoresName == "" {
		opts.ScoresName = inference.DefaultScoresName
	}
	if opts.BoxesName == "" {
		opts.BoxesName = inference.DefaultBoxesName
	}
	if len(opts.ModelData) == 0 {
		return nil, errors.Wrap(inference.ErrModelLoad, "model data is empty")
	}
	if err := opts.Device.CheckAvailable(); err != nil {
		return nil, err
	}

	libPath := opts.LibraryPath
	if libPath == "" {
		var err error
		if libPath, err = GetSharedLibPath(); err != nil {
			return nil, err
		}
	}
	if err := acquireEnvironment(libPath); err != nil {
		return nil, err
	}

	b, err := newONNXBackend(opts, logger)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	return b, nil
}

func newONNXBackend(opts ONNXOptions, logger *zap.Logger) (*ONNXBackend, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(opts.ModelData)
	if err != nil {
		return nil, errors.Wrapf(inference.ErrModelLoad, "parsing model: %v", err)
	}

	input, ok := findInfo(inputs, opts.InputName)
	if !ok {
		return nil, errors.Wrapf(inference.ErrModelLoad, "model has no input %q", opts.InputName)
	}
	for _, name := range []string{opts.IDsName, opts.ScoresName, opts.BoxesName} {
		if _, ok := findInfo(outputs, name); !ok {
			return nil, errors.Wrapf(inference.ErrModelLoad, "model has no output %q", name)
		}
	}

	optimization := DefaultOptimizationConfig()
	if opts.Optimization != nil {
		optimization = *opts.Optimization
	}
	options, err := OptimizedSessionOptions(optimization)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	if opts.Device.Mode == ProviderModeGPU {
		cudaOpts := DefaultCUDAOptions(opts.Device)
		if opts.CUDA != nil {
			cudaOpts = *opts.CUDA
			cudaOpts.DeviceID = opts.Device.Index
		}
		native, err := cudaOpts.ToNativeProviderOptions()
		if err != nil {
			return nil, errors.Wrapf(inference.ErrDeviceUnavailable, "%s: %v", opts.Device, err)
		}
		defer native.Destroy()
		if err := options.AppendExecutionProviderCUDA(native); err != nil {
			return nil, errors.Wrapf(inference.ErrDeviceUnavailable, "%s: %v", opts.Device, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		opts.ModelData,
		[]string{opts.InputName},
		[]string{opts.IDsName, opts.ScoresName, opts.BoxesName},
		options,
	)
	if err != nil {
		return nil, sessionError(opts.Device, err)
	}

	logger.Info("onnxruntime session created",
		zap.Stringer("device", opts.Device),
		zap.String("input", opts.InputName),
		zap.Int64s("input_dims", input.Dimensions),
	)

	return &ONNXBackend{opts: opts, input: input, session: session, logger: logger}, nil
}

// sessionError classifies a failed session creation. The graph has already been parsed
// by then, so on a GPU the failure is the device's.
func sessionError(device Device, err error) error {
	if device.Mode == ProviderModeGPU {
		return errors.Wrapf(inference.ErrDeviceUnavailable, "creating session on %s: %v", device, err)
	}
	return errors.Wrapf(inference.ErrModelLoad, "creating session: %v", err)
}

func findInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

// Name identifies the backend.
func (b *ONNXBackend) Name() string {
	return "onnx/" + b.opts.Device.String()
}

// Bind allocates the input tensor for a fixed shape.
//
// Fixed model dimensions must match the shape; dynamic ones (negative) accept any size.
//
// Arguments:
//   - shape: The input shape, NCHW.
//
// Returns:
//   - inference.Executor: The executor.
//   - error: An error wrapping inference.ErrBindFailure.
func (b *ONNXBackend) Bind(shape inference.Shape) (inference.Executor, error) {
	dims := b.input.Dimensions
	if len(dims) != len(shape) {
		return nil, errors.Wrapf(inference.ErrBindFailure, "model input %q has rank %d, frame tensor %v", b.opts.InputName, len(dims), shape)
	}
	for i, d := range dims {
		if d > 0 && int(d) != shape[i] {
			return nil, errors.Wrapf(inference.ErrBindFailure, "model input %q expects %v, frame tensor %v", b.opts.InputName, dims, shape)
		}
	}

	data := make([]float32, shape.Size())
	input, err := ort.NewTensor(ort.NewShape(shape.Int64()...), data)
	if err != nil {
		return nil, errors.Wrapf(inference.ErrBindFailure, "allocating input tensor: %v", err)
	}

	return &onnxExecutor{session: b.session, input: input}, nil
}

// Close destroys the native session.
func (b *ONNXBackend) Close() error {
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	releaseEnvironment()
	if err != nil {
		return errors.Wrap(err, "destroying onnxruntime session")
	}
	return nil
}

// onnxExecutor binds one input tensor to the shared session.
type onnxExecutor struct {
	session *ort.DynamicAdvancedSession
	input   *ort.Tensor[float32]
	outputs []ort.Value
}

func (e *onnxExecutor) Input() []float32 {
	return e.input.GetData()
}

// WaitAll is a no-op: Run returns only after the runtime finished all device work and
// the input is read from host memory at Run time.
func (e *onnxExecutor) WaitAll() error {
	return nil
}

func (e *onnxExecutor) Forward() error {
	e.release()
	outputs := make([]ort.Value, inference.DefaultOutputCount)
	if err := e.session.Run([]ort.Value{e.input}, outputs); err != nil {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
		return err
	}
	e.outputs = outputs
	return nil
}

func (e *onnxExecutor) Outputs() (inference.Outputs, error) {
	if e.outputs == nil {
		return inference.Outputs{}, errors.New("no forward pass has run")
	}
	defer e.release()

	var out inference.Outputs
	targets := []**tensor.Dense{&out.IDs, &out.Scores, &out.Boxes}
	for i, v := range e.outputs {
		d, err := toDense(v)
		if err != nil {
			return inference.Outputs{}, errors.Wrapf(err, "output %d", i)
		}
		*targets[i] = d
	}
	return out, nil
}

func (e *onnxExecutor) release() {
	for _, v := range e.outputs {
		if v != nil {
			v.Destroy()
		}
	}
	e.outputs = nil
}

func (e *onnxExecutor) Close() error {
	e.release()
	if e.input == nil {
		return nil
	}
	err := e.input.Destroy()
	e.input = nil
	return err
}
