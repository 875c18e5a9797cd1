package inference

import (
	"time"

	"github.com/nvr-ai/go-mlfilter/profiler"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Synchronizer brackets a forward pass with device barriers so that every call is
// externally synchronous: the input copy has landed before the pass starts, and the
// outputs are on the host before the call returns.
//
// There is no cancellation; once started, a pass runs to completion.
type Synchronizer struct {
	logger   *zap.Logger
	profiler *profiler.Profiler
}

// NewSynchronizer creates a synchronizer.
//
// Arguments:
//   - logger: The logger; nil disables logging.
//   - prof: The profiler receiving forward-pass latencies; may be nil.
//
// Returns:
//   - *Synchronizer: The synchronizer.
func NewSynchronizer(logger *zap.Logger, prof *profiler.Profiler) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{logger: logger, profiler: prof}
}

// Run executes one synchronised forward pass on a bound session.
//
// Order: WaitAll, Forward, WaitAll, then copy ids, scores, and boxes to the host. The
// session's input buffer may be reused as soon as Run returns.
//
// Arguments:
//   - session: A bound session.
//
// Returns:
//   - Outputs: Host copies of the three outputs and the elapsed time.
//   - error: ErrUnbound, or an error from the backend.
func (s *Synchronizer) Run(session *Session) (Outputs, error) {
	var out Outputs

	err := session.withExecutor(func(exec Executor) error {
		start := time.Now()

		if err := exec.WaitAll(); err != nil {
			return errors.Wrap(err, "waiting for queued device work")
		}
		if err := exec.Forward(); err != nil {
			return errors.Wrap(err, "forward pass")
		}
		if err := exec.WaitAll(); err != nil {
			return errors.Wrap(err, "waiting for forward pass")
		}

		o, err := exec.Outputs()
		if err != nil {
			return errors.Wrap(err, "copying outputs to host")
		}
		out = o
		out.Elapsed = time.Since(start)
		return nil
	})
	if err != nil {
		return Outputs{}, err
	}

	s.profiler.RecordOperation(profiler.OpForward, out.Elapsed)
	s.logger.Debug("forward pass complete", zap.Duration("elapsed", out.Elapsed))
	return out, nil
}
