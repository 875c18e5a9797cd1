// Package inference - Lazily bound inference sessions and forward-pass synchronisation.
package inference

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the binding state of a Session.
type State int

const (
	// StateUnbound is the state of a fresh session. No graph exists yet.
	StateUnbound State = iota
	// StateBound is the state after the first successful Bind. The input shape is fixed
	// for the rest of the session's lifetime.
	StateBound
	// StateFailed is the state after the first Bind failed. Every later call returns the
	// same error; the backend is never asked again.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session owns a lazily bound execution graph.
//
// The graph is built on the first frame using that frame's shape, then reused: later
// frames only overwrite the bound input buffer. A Session is meant to be driven by one
// goroutine; the internal mutex serialises accidental concurrent use.
type Session struct {
	mu      sync.Mutex
	backend Backend
	logger  *zap.Logger

	state   State
	shape   Shape
	exec    Executor
	bindErr error
	closed  bool
}

// NewSession creates an unbound session on a backend.
//
// Arguments:
//   - backend: The backend that builds the execution graph on first use.
//   - logger: The logger; nil disables logging.
//
// Returns:
//   - *Session: The unbound session.
func NewSession(backend Backend, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		backend: backend,
		logger:  logger.With(zap.String("backend", backend.Name())),
	}
}

// State returns the binding state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InputShape returns the bound input shape, or nil while unbound.
func (s *Session) InputShape() Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shape.Clone()
}

// Bind builds the execution graph for the input's shape and copies the input into it.
//
// Bind succeeds at most once per session; it fails on a bound session. A failed
// Bind is final: the session moves to StateFailed and keeps returning that error.
//
// Arguments:
//   - input: The first frame's tensor. Its shape becomes the session's fixed input shape.
//
// Returns:
//   - error: An error wrapping ErrBindFailure if the graph cannot be built.
func (s *Session) Bind(input Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bind(input)
}

func (s *Session) bind(input Tensor) error {
	if s.closed {
		return ErrClosed
	}
	switch s.state {
	case StateFailed:
		return s.bindErr
	case StateBound:
		return errors.Wrapf(ErrBindFailure, "session already bound to %v", s.shape)
	}
	if input.Shape.Size() == 0 || len(input.Data) != input.Shape.Size() {
		return errors.Wrapf(ErrBindFailure, "input shape %v does not match %d values", input.Shape, len(input.Data))
	}

	exec, err := s.backend.Bind(input.Shape.Clone())
	if err != nil {
		if errors.Is(err, ErrBindFailure) || errors.Is(err, ErrDeviceUnavailable) {
			return s.fail(err)
		}
		return s.fail(errors.Wrapf(ErrBindFailure, "binding %v: %v", input.Shape, err))
	}
	if got := len(exec.Input()); got != input.Shape.Size() {
		exec.Close()
		return s.fail(errors.Wrapf(ErrBindFailure, "bound input holds %d values, shape %v needs %d", got, input.Shape, input.Shape.Size()))
	}
	copy(exec.Input(), input.Data)

	s.exec = exec
	s.shape = input.Shape.Clone()
	s.state = StateBound
	s.logger.Info("session bound", zap.Stringer("shape", s.shape))
	return nil
}

// fail records err as the session's permanent bind error.
func (s *Session) fail(err error) error {
	s.state = StateFailed
	s.bindErr = err
	s.logger.Error("session bind failed", zap.Error(err))
	return err
}

// Err returns the error that moved the session to StateFailed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindErr
}

// Update copies new frame data into the bound input buffer without rebuilding the graph.
//
// Arguments:
//   - input: The frame tensor; its shape must equal the bound shape.
//
// Returns:
//   - error: ErrUnbound before Bind, the bind error of a failed session, or an error
//     wrapping ErrShapeMismatch. The session stays bound and usable after a mismatch.
func (s *Session) Update(input Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(input)
}

func (s *Session) update(input Tensor) error {
	if s.closed {
		return ErrClosed
	}
	if s.state == StateFailed {
		return s.bindErr
	}
	if s.state != StateBound {
		return ErrUnbound
	}
	if !input.Shape.Equal(s.shape) || len(input.Data) != s.shape.Size() {
		return errors.Wrapf(ErrShapeMismatch, "got %v, session bound to %v", input.Shape, s.shape)
	}
	copy(s.exec.Input(), input.Data)
	return nil
}

// Prepare binds an unbound session or updates a bound one.
//
// Arguments:
//   - input: The frame tensor.
//
// Returns:
//   - error: The error of the underlying Bind or Update.
func (s *Session) Prepare(input Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateUnbound {
		return s.bind(input)
	}
	return s.update(input)
}

// withExecutor runs fn with exclusive access to the bound executor.
func (s *Session) withExecutor(fn func(Executor) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.state == StateFailed {
		return s.bindErr
	}
	if s.state != StateBound {
		return ErrUnbound
	}
	return fn(s.exec)
}

// Close releases the executor. The backend is owned by the caller and stays open.
//
// Returns:
//   - error: An error if the executor fails to release its resources.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.exec == nil {
		return nil
	}
	err := s.exec.Close()
	s.exec = nil
	if err != nil {
		return errors.Wrap(err, "closing executor")
	}
	return nil
}
