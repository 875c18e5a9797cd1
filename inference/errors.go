package inference

import "github.com/pkg/errors"

// Error kinds surfaced by the inference pipeline. Callers match them with errors.Is; the
// returned errors carry context wrapped around these sentinels.
var (
	// ErrModelLoad means the model or class file is unreadable or malformed. Fatal at
	// configuration time.
	ErrModelLoad = errors.New("model load failure")
	// ErrBindFailure means the execution graph could not be built for the first frame.
	// Fatal; the session cannot proceed without a bound graph.
	ErrBindFailure = errors.New("bind failure")
	// ErrShapeMismatch means a frame's preprocessed shape differs from the bound input
	// shape. Per-frame; the session stays bound and usable.
	ErrShapeMismatch = errors.New("input shape mismatch")
	// ErrDeviceUnavailable means the configured device does not exist. Fatal at
	// configuration time.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrUnbound means an operation that needs a bound graph ran on an unbound session.
	ErrUnbound = errors.New("session is not bound")
	// ErrClosed means the session was closed.
	ErrClosed = errors.New("session is closed")
)
