// Package filter - Per-frame detector and pipeline gate.
package filter

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-mlfilter/config"
	"github.com/nvr-ai/go-mlfilter/images"
	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/nvr-ai/go-mlfilter/inference/providers"
	"github.com/nvr-ai/go-mlfilter/meta"
	"github.com/nvr-ai/go-mlfilter/models"
	"github.com/nvr-ai/go-mlfilter/models/postprocess"
	"github.com/nvr-ai/go-mlfilter/profiler"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var detectionColor = color.RGBA{B: 255, A: 255}

// Detector runs the detection model over frames and decodes the results.
//
// The inference session is bound lazily by the first frame and reused afterwards, so
// every later frame must resize to the same shape. A Detector serves one caller at a
// time.
type Detector struct {
	cfg       config.Config
	names     models.ClassNames
	resampler images.Resampler
	backend   inference.Backend
	session   *inference.Session
	sync      *inference.Synchronizer
	profiler  *profiler.Profiler
	logger    *zap.Logger

	closeOnce sync.Once
	frames    atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewDetector loads the class table and the model and prepares the inference backend.
//
// Arguments:
//   - cfg: The validated configuration.
//   - logger: The logger; nil disables logging.
//   - prof: The profiler operations are recorded in; nil disables profiling.
//
// Returns:
//   - *Detector: The detector.
//   - error: An error wrapping inference.ErrModelLoad, inference.ErrDeviceUnavailable,
//     or config.ErrInvalidConfig.
func NewDetector(cfg *config.Config, logger *zap.Logger, prof *profiler.Profiler) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		return nil, errors.Wrap(config.ErrInvalidConfig, "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	names, err := models.LoadClassNames(cfg.ClassFile)
	if err != nil {
		return nil, err
	}

	resampler, err := images.NewResampler(cfg.ResizeBackend)
	if err != nil {
		return nil, errors.Wrap(config.ErrInvalidConfig, err.Error())
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, err
	}

	return NewDetectorWithBackend(cfg, backend, names, resampler, logger, prof), nil
}

// NewDetectorWithBackend assembles a detector around an existing backend. The detector
// takes ownership of the backend and closes it on Close.
//
// Arguments:
//   - cfg: The validated configuration; only resize and decode keys are consulted.
//   - backend: The inference backend.
//   - names: The class table.
//   - resampler: The resampler used to resize frames.
//   - logger: The logger; nil disables logging.
//   - prof: The profiler; may be nil.
//
// Returns:
//   - *Detector: The detector.
func NewDetectorWithBackend(
	cfg *config.Config,
	backend inference.Backend,
	names models.ClassNames,
	resampler images.Resampler,
	logger *zap.Logger,
	prof *profiler.Profiler,
) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		cfg:       *cfg,
		names:     names,
		resampler: resampler,
		backend:   backend,
		session:   inference.NewSession(backend, logger),
		sync:      inference.NewSynchronizer(logger, prof),
		profiler:  prof,
		logger:    logger.With(zap.String("backend", backend.Name())),
	}

	d.logger.Info("detector ready",
		zap.Int("classes", names.Len()),
		zap.String("resampler", resampler.Name()),
		zap.Int("min_size", cfg.MinSize),
		zap.Int("max_size", cfg.MaxSize),
		zap.Int("multiplier", cfg.Multiplier),
		zap.Float32("decode_threshold", cfg.DecodeThreshold),
		// Exposed for downstream rendering; decoding never consults it.
		zap.Float32("viz_threshold", cfg.VizThreshold),
	)
	return d
}

func newBackend(cfg *config.Config, logger *zap.Logger) (inference.Backend, error) {
	switch cfg.Backend {
	case config.BackendGorgonia:
		return providers.NewGorgoniaBackend(providers.GridDetector(cfg.GridSize, cfg.GridSize), cfg.Device(), logger)
	case config.BackendONNX:
		model, err := models.LoadModel(cfg.ModelFile, logger)
		if err != nil {
			return nil, err
		}
		opts := providers.ONNXOptions{
			ModelData:  model.Data,
			InputName:  cfg.InputName,
			IDsName:    cfg.OutputIDs,
			ScoresName: cfg.OutputScores,
			BoxesName:  cfg.OutputBoxes,
			Device:     cfg.Device(),
		}
		if cfg.IntraOpThreads > 0 {
			optimization := providers.DefaultOptimizationConfig()
			optimization.IntraOpNumThreads = cfg.IntraOpThreads
			opts.Optimization = &optimization
		}
		return providers.NewONNXBackend(opts, logger)
	default:
		return nil, errors.Wrapf(config.ErrInvalidConfig, "unknown backend %q", cfg.Backend)
	}
}

// Names returns the class table.
func (d *Detector) Names() models.ClassNames {
	return d.names
}

// Session returns the inference session.
func (d *Detector) Session() *inference.Session {
	return d.session
}

// Process runs one frame through resize, inference, and decoding.
//
// The frame is never modified. On a shape mismatch the frame yields no detections and
// the session stays bound for the next frame.
//
// Arguments:
//   - ctx: Checked once before the frame starts; a forward pass is never interrupted.
//   - frame: The BGR frame.
//
// Returns:
//   - postprocess.DetectionSet: A new set owned by the caller, possibly empty.
//   - error: An error wrapping inference.ErrShapeMismatch, inference.ErrBindFailure,
//     postprocess.ErrOutputShape, or a frame or context error.
func (d *Detector) Process(ctx context.Context, frame images.Frame) (postprocess.DetectionSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer d.profiler.StartOperation(profiler.OpFrame)()

	input, err := d.preprocess(frame)
	if err != nil {
		d.failed.Add(1)
		return nil, err
	}

	if err := d.session.Prepare(input); err != nil {
		if errors.Is(err, inference.ErrShapeMismatch) {
			d.dropped.Add(1)
			d.logger.Warn("dropping frame", zap.Stringer("shape", input.Shape), zap.Stringer("bound", d.session.InputShape()), zap.Error(err))
		} else {
			d.failed.Add(1)
		}
		return nil, err
	}

	out, err := d.sync.Run(d.session)
	if err != nil {
		d.failed.Add(1)
		return nil, err
	}

	start := time.Now()
	set, err := postprocess.DecodeOutputs(out, d.names, d.cfg.DecodeThreshold)
	d.profiler.RecordOperation(profiler.OpDecode, time.Since(start))
	if err != nil {
		d.failed.Add(1)
		return nil, err
	}

	n := d.frames.Add(1)
	d.logger.Debug("frame processed",
		zap.Uint64("frame", n),
		zap.Int("detections", set.Len()),
		zap.Duration("forward", out.Elapsed),
	)
	return set, nil
}

func (d *Detector) preprocess(frame images.Frame) (inference.Tensor, error) {
	defer d.profiler.StartOperation(profiler.OpPreprocess)()

	resized, err := images.ResizeShortWithin(d.resampler, frame, d.cfg.MinSize, d.cfg.MaxSize, d.cfg.Multiplier)
	if err != nil {
		return inference.Tensor{}, errors.Wrap(err, "resizing frame")
	}
	data, err := images.NewTensor(resized)
	if err != nil {
		return inference.Tensor{}, errors.Wrap(err, "preparing tensor")
	}
	return inference.NewTensor(inference.Shape(resized.TensorShape()), data)
}

// ProcessBuffer runs Process on the buffer's frame and attaches a copy of the result to
// it.
//
// Arguments:
//   - ctx: See Process.
//   - buf: The frame buffer.
//
// Returns:
//   - postprocess.DetectionSet: The attached set.
//   - error: See Process, or meta.ErrReleased.
func (d *Detector) ProcessBuffer(ctx context.Context, buf *meta.Buffer) (postprocess.DetectionSet, error) {
	if buf == nil || buf.Released() {
		return nil, meta.ErrReleased
	}
	set, err := d.Process(ctx, buf.Frame())
	if err != nil {
		return nil, err
	}
	// The buffer owns its own copy; the caller's set stays independent of it.
	if err := meta.AttachDetections(buf, set.Clone()); err != nil {
		return nil, err
	}
	return set, nil
}

// CollectMetrics implements profiler.MetricsCollector.
//
// Returns:
//   - map[string]float64: Processed, dropped (shape mismatch) and failed frame counts.
func (d *Detector) CollectMetrics() map[string]float64 {
	return map[string]float64{
		"detector_frames":  float64(d.frames.Load()),
		"detector_dropped": float64(d.dropped.Load()),
		"detector_failed":  float64(d.failed.Load()),
	}
}

// Close releases the session and the backend.
func (d *Detector) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if e := d.session.Close(); e != nil {
			err = e
		}
		if e := d.backend.Close(); e != nil && err == nil {
			err = e
		}
		d.logger.Info("detector closed", zap.Uint64("frames", d.frames.Load()), zap.Uint64("dropped", d.dropped.Load()))
	})
	return err
}

// AnnotateDetections draws the detections scoring at least threshold onto a copy of
// the frame, each box labelled with its class name.
//
// Arguments:
//   - frame: The frame the detections were decoded from.
//   - set: The detections in frame coordinates.
//   - threshold: The lowest confidence drawn.
//
// Returns:
//   - images.Frame: The annotated copy.
//   - error: An error if the frame is invalid.
func AnnotateDetections(frame images.Frame, set postprocess.DetectionSet, threshold float32) (images.Frame, error) {
	mat, err := frame.ToMat()
	if err != nil {
		return images.Frame{}, err
	}
	defer mat.Close()

	for _, d := range set.Above(threshold) {
		rect := d.Box.Rect()
		gocv.Rectangle(&mat, rect, detectionColor, 2)
		gocv.PutText(&mat, d.ClassName, image.Pt(rect.Min.X, rect.Min.Y-4), gocv.FontHersheySimplex, 0.4, detectionColor, 1)
	}
	return images.FromMat(mat)
}
