package filter

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/nvr-ai/go-mlfilter/config"
	"github.com/nvr-ai/go-mlfilter/images"
	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/nvr-ai/go-mlfilter/profiler"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Input geometry and statistics of the OpenCV face SSD (res10_300x300).
var (
	countBlobSize = image.Pt(300, 300)
	countBlobMean = gocv.NewScalar(104, 177, 123, 0)
)

var (
	boxColor  = color.RGBA{G: 255, A: 255}
	faceColor = color.RGBA{R: 255, B: 255, A: 255}
)

// PipelineAction tells downstream branches whether to keep receiving frames.
type PipelineAction struct {
	// SimplePath continues the plain pass-through branch.
	SimplePath bool
	// CVMLPath continues the computer-vision branch.
	CVMLPath bool
}

// Bits packs the flags: bit 0 is SimplePath, bit 1 is CVMLPath.
func (a PipelineAction) Bits() config.ActionMask {
	var m config.ActionMask
	if a.SimplePath {
		m |= config.ActionSimple
	}
	if a.CVMLPath {
		m |= config.ActionCVML
	}
	return m
}

// String returns the packed name, e.g. PLAY_ALL.
func (a PipelineAction) String() string {
	return a.Bits().String()
}

// ActionFromBits unpacks a mask; bits above bit 1 are ignored.
func ActionFromBits(m config.ActionMask) PipelineAction {
	return PipelineAction{
		SimplePath: m&config.ActionSimple != 0,
		CVMLPath:   m&config.ActionCVML != 0,
	}
}

// GateReport is what the gate measured on one frame.
type GateReport struct {
	// Brightness is the mean gray level.
	Brightness float64
	// Boxes are the counted detector boxes in frame pixels.
	Boxes []image.Rectangle
	// Faces are the cascade hits in frame pixels.
	Faces []image.Rectangle
	// Score is the sum of all heuristic contributions.
	Score int
	// Action is the decision.
	Action PipelineAction
}

// Gate reduces a frame to a pipeline action.
//
// Each heuristic contributes a count: 1 when the frame is brighter than the threshold,
// the number of confident boxes from the optional OpenCV DNN detector, and the number
// of faces from the optional Haar cascade. A zero total stops every branch; anything
// else yields the configured default action. No state is kept between frames.
type Gate struct {
	threshold      float64
	countThreshold float32
	defaultAction  PipelineAction

	mu       sync.Mutex
	net      *gocv.Net
	cascade  *gocv.CascadeClassifier
	onAction func(PipelineAction, GateReport)

	profiler *profiler.Profiler
	logger   *zap.Logger
}

// NewGate loads the optional OpenCV models named in cfg.
//
// Arguments:
//   - cfg: The validated configuration.
//   - logger: The logger; nil disables logging.
//   - prof: The profiler; may be nil.
//
// Returns:
//   - *Gate: The gate.
//   - error: An error wrapping inference.ErrModelLoad when a configured model cannot
//     be read.
func NewGate(cfg *config.Config, logger *zap.Logger, prof *profiler.Profiler) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		return nil, errors.Wrap(config.ErrInvalidConfig, "nil config")
	}

	g := &Gate{
		threshold:      cfg.Threshold,
		countThreshold: cfg.CountThreshold,
		defaultAction:  ActionFromBits(cfg.PipelineAction),
		profiler:       prof,
		logger:         logger,
	}

	if cfg.CVMLModel != "" {
		net := gocv.ReadNetFromTensorflow(cfg.CVMLModel, cfg.CVMLModelParams)
		if net.Empty() {
			net.Close()
			return nil, errors.Wrapf(inference.ErrModelLoad, "loading cvml model %s", cfg.CVMLModel)
		}
		g.net = &net
		logger.Info("cvml model loaded", zap.String("model", cfg.CVMLModel), zap.String("params", cfg.CVMLModelParams))
	}

	if cfg.FaceCascade != "" {
		cascade := gocv.NewCascadeClassifier()
		if !cascade.Load(cfg.FaceCascade) {
			cascade.Close()
			g.closeModels()
			return nil, errors.Wrapf(inference.ErrModelLoad, "loading face cascade %s", cfg.FaceCascade)
		}
		g.cascade = &cascade
		logger.Info("face cascade loaded", zap.String("cascade", cfg.FaceCascade))
	}

	logger.Info("gate ready",
		zap.Float64("threshold", g.threshold),
		zap.Stringer("default_action", g.defaultAction),
	)
	return g, nil
}

// OnAction registers a callback invoked with every decision. fn runs while the gate is
// locked and must not call back into it.
func (g *Gate) OnAction(fn func(PipelineAction, GateReport)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onAction = fn
}

// Classify decides the pipeline action for a frame.
//
// Arguments:
//   - frame: The BGR frame; it is not modified.
//
// Returns:
//   - PipelineAction: STOP_ALL when no heuristic fired, otherwise the default action.
//   - error: An error if the frame is invalid.
func (g *Gate) Classify(frame images.Frame) (PipelineAction, error) {
	report, err := g.Inspect(frame)
	if err != nil {
		return PipelineAction{}, err
	}
	return report.Action, nil
}

// Inspect runs every heuristic and returns the measurements with the decision.
func (g *Gate) Inspect(frame images.Frame) (GateReport, error) {
	mat, err := frame.ToMat()
	if err != nil {
		return GateReport{}, err
	}
	defer mat.Close()

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.profiler.StartOperation(profiler.OpClassify)()

	var report GateReport

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	report.Brightness = gray.Mean().Val1
	if report.Brightness > g.threshold {
		report.Score++
	}

	report.Boxes = g.countBoxes(mat)
	report.Score += len(report.Boxes)

	if g.cascade != nil {
		gocv.EqualizeHist(gray, &gray)
		report.Faces = g.cascade.DetectMultiScale(gray)
		report.Score += len(report.Faces)
	}

	report.Action = g.defaultAction
	if report.Score == 0 {
		report.Action = PipelineAction{}
	}

	g.logger.Debug("frame classified",
		zap.Float64("brightness", report.Brightness),
		zap.Int("boxes", len(report.Boxes)),
		zap.Int("faces", len(report.Faces)),
		zap.Stringer("action", report.Action),
	)

	if g.onAction != nil {
		g.onAction(report.Action, report)
	}
	return report, nil
}

// countBoxes runs the SSD and returns boxes whose confidence exceeds the count
// threshold. Output rows are [image, class, confidence, x1, y1, x2, y2] with
// coordinates relative to the frame.
func (g *Gate) countBoxes(mat gocv.Mat) []image.Rectangle {
	if g.net == nil {
		g.logger.Warn("cvml model not configured, box count contributes nothing")
		return nil
	}

	start := time.Now()
	blob := gocv.BlobFromImage(mat, 1.0, countBlobSize, countBlobMean, true, false)
	defer blob.Close()

	g.net.SetInput(blob, "")
	out := g.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 4 || dims[3] != 7 {
		g.logger.Warn("unexpected cvml output", zap.Ints("dims", dims))
		return nil
	}
	rows := out.Reshape(1, dims[2])
	defer rows.Close()

	w, h := float32(mat.Cols()), float32(mat.Rows())
	var boxes []image.Rectangle
	for i := 0; i < rows.Rows(); i++ {
		if rows.GetFloatAt(i, 2) <= g.countThreshold {
			continue
		}
		boxes = append(boxes, image.Rect(
			int(rows.GetFloatAt(i, 3)*w),
			int(rows.GetFloatAt(i, 4)*h),
			int(rows.GetFloatAt(i, 5)*w),
			int(rows.GetFloatAt(i, 6)*h),
		))
	}

	g.logger.Debug("cvml inference", zap.Duration("took", time.Since(start)), zap.Int("boxes", len(boxes)))
	return boxes
}

// Annotate returns a copy of frame with the report's boxes outlined and faces circled.
func Annotate(frame images.Frame, report GateReport) (images.Frame, error) {
	mat, err := frame.ToMat()
	if err != nil {
		return images.Frame{}, err
	}
	defer mat.Close()

	for _, b := range report.Boxes {
		gocv.Rectangle(&mat, b, boxColor, 2)
	}
	for _, f := range report.Faces {
		center := image.Pt(f.Min.X+f.Dx()/2, f.Min.Y+f.Dy()/2)
		gocv.Ellipse(&mat, center, image.Pt(f.Dx()/2, f.Dy()/2), 0, 0, 360, faceColor, 4)
	}
	return images.FromMat(mat)
}

func (g *Gate) closeModels() {
	if g.net != nil {
		g.net.Close()
		g.net = nil
	}
	if g.cascade != nil {
		g.cascade.Close()
		g.cascade = nil
	}
}

// Close releases the OpenCV models.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeModels()
	return nil
}
