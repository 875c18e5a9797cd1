package inference

import (
	"time"

	"gorgonia.org/tensor"
)

// Default tensor names of a detector exported with a single image input and separate
// ids, scores, and boxes outputs.
const (
	DefaultInputName   = "data"
	DefaultIDsName     = "ids"
	DefaultScoresName  = "scores"
	DefaultBoxesName   = "bboxes"
	DefaultOutputCount = 3
)

// Backend builds executors for one loaded model on one device.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Bind constructs the execution graph for a fixed input shape. Errors wrap
	// ErrBindFailure.
	Bind(input Shape) (Executor, error)
	// Close releases the model. Executors must be closed first.
	Close() error
}

// Executor is a bound execution graph with a device-resident input buffer.
//
// Executors are not safe for concurrent use; Session serialises access.
type Executor interface {
	// Input returns the bound input buffer. Writes to it are visible to the next Forward.
	Input() []float32
	// WaitAll blocks until all work queued on the device has completed.
	WaitAll() error
	// Forward queues one forward pass over the current input buffer.
	Forward() error
	// Outputs copies the ids, scores, and boxes outputs to host memory.
	Outputs() (Outputs, error)
	// Close releases the graph and its buffers.
	Close() error
}

// Outputs holds host copies of the three detector outputs of one forward pass.
//
// The tensors are owned by the caller and never alias executor buffers.
type Outputs struct {
	// IDs has shape [1, N, 1] (or [1, N]); negative ids mark padding rows.
	IDs *tensor.Dense
	// Scores has shape [1, N, 1] (or [1, N]).
	Scores *tensor.Dense
	// Boxes has shape [1, N, 4] in resized-frame pixels, in the model's own box layout.
	Boxes *tensor.Dense
	// Elapsed is the wall-clock time across the synchronised forward pass.
	Elapsed time.Duration
}
