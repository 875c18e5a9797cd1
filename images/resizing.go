package images

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"gocv.io/x/gocv"
)

// Resize bounds used when nothing else is configured. The multiplier keeps both
// sides aligned with the feature strides of grid-based detectors.
const (
	DefaultMinSize    = 512
	DefaultMaxSize    = 640
	DefaultMultiplier = 32
)

// Resampler scales a frame to an exact size.
type Resampler interface {
	// Resample returns a newly allocated frame of width x height. src is not modified.
	Resample(src Frame, width, height int) (Frame, error)
	// Name identifies the resampler in logs and configuration.
	Name() string
}

// ShortWithinSize computes the resized dimensions for a frame so that the short side
// approaches minSize while the long side never exceeds maxSize, with both sides snapped
// to a multiple of multiplier.
//
// scale = min(minSize/short, maxSize/long), each side is rounded after scaling and then
// rounded to the nearest multiple of multiplier. The result is clamped to
// [multiplier, largest multiple <= maxSize].
//
// Arguments:
//   - height: The source height in pixels.
//   - width: The source width in pixels.
//   - minSize: The target size of the short side.
//   - maxSize: The upper bound of the long side.
//   - multiplier: The stride both output sides must be a multiple of.
//
// Returns:
//   - int: The resized height.
//   - int: The resized width.
//   - error: An error if any argument is out of range.
func ShortWithinSize(height, width, minSize, maxSize, multiplier int) (int, int, error) {
	if height <= 0 || width <= 0 {
		return 0, 0, fmt.Errorf("invalid dimensions: width=%d, height=%d", width, height)
	}
	if multiplier <= 0 {
		return 0, 0, fmt.Errorf("multiplier must be positive, got %d", multiplier)
	}
	if minSize <= 0 {
		return 0, 0, fmt.Errorf("min size must be positive, got %d", minSize)
	}
	if maxSize < multiplier {
		return 0, 0, fmt.Errorf("max size %d is smaller than multiplier %d", maxSize, multiplier)
	}

	h, w := float32(height), float32(width)
	short, long := math32.Min(h, w), math32.Max(h, w)
	scale := math32.Min(float32(minSize)/short, float32(maxSize)/long)

	return snap(h*scale, maxSize, multiplier), snap(w*scale, maxSize, multiplier), nil
}

// snap rounds a scaled side to the nearest multiple of multiplier within [multiplier, maxSize].
func snap(side float32, maxSize, multiplier int) int {
	m := float32(multiplier)
	n := int(math32.Round(math32.Round(side)/m)) * multiplier
	if limit := (maxSize / multiplier) * multiplier; n > limit {
		n = limit
	}
	if n < multiplier {
		n = multiplier
	}
	return n
}

// ResizeShortWithin resizes a frame with ShortWithinSize semantics.
//
// The source frame is left untouched and the result is always a new allocation, even when
// the computed size equals the source size.
//
// Arguments:
//   - r: The resampler performing the pixel interpolation.
//   - src: The frame to resize.
//   - minSize: The target size of the short side.
//   - maxSize: The upper bound of the long side.
//   - multiplier: The stride both output sides must be a multiple of.
//
// Returns:
//   - Frame: The resized frame.
//   - error: An error if the frame is invalid or resampling fails.
func ResizeShortWithin(r Resampler, src Frame, minSize, maxSize, multiplier int) (Frame, error) {
	if err := src.Validate(); err != nil {
		return Frame{}, err
	}
	h, w, err := ShortWithinSize(src.Height, src.Width, minSize, maxSize, multiplier)
	if err != nil {
		return Frame{}, err
	}
	if h == src.Height && w == src.Width {
		return src.Clone(), nil
	}
	return r.Resample(src, w, h)
}

// OpenCVResampler resamples frames with cv::resize and bilinear interpolation.
type OpenCVResampler struct {
	Interpolation gocv.InterpolationFlags
}

// NewOpenCVResampler creates a bilinear OpenCV resampler.
func NewOpenCVResampler() *OpenCVResampler {
	return &OpenCVResampler{Interpolation: gocv.InterpolationLinear}
}

// Name returns the resampler name.
func (r *OpenCVResampler) Name() string {
	return "opencv"
}

// Resample resizes src into a new frame of width x height.
func (r *OpenCVResampler) Resample(src Frame, width, height int) (Frame, error) {
	if width <= 0 || height <= 0 {
		return Frame{}, fmt.Errorf("invalid dimensions: width=%d, height=%d", width, height)
	}

	mat, err := gocv.NewMatFromBytes(src.Height, src.Width, gocv.MatTypeCV8UC3, src.Data)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to wrap frame: %w", err)
	}
	defer mat.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	gocv.Resize(mat, &dst, image.Pt(width, height), 0, 0, r.Interpolation)
	if dst.Empty() {
		return Frame{}, fmt.Errorf("failed to resize frame to %dx%d", width, height)
	}

	return Frame{Width: width, Height: height, Data: dst.ToBytes()}, nil
}

// LanczosResampler resamples frames in pure Go using Lanczos3 interpolation.
type LanczosResampler struct{}

// Name returns the resampler name.
func (LanczosResampler) Name() string {
	return "lanczos"
}

// Resample resizes src into a new frame of width x height.
func (LanczosResampler) Resample(src Frame, width, height int) (Frame, error) {
	if width <= 0 || height <= 0 {
		return Frame{}, fmt.Errorf("invalid dimensions: width=%d, height=%d", width, height)
	}
	img := resize.Resize(uint(width), uint(height), src.ToRGBA(), resize.Lanczos3)
	return FromImage(img), nil
}

// CatmullRomResampler resamples frames in pure Go with a Catmull-Rom cubic filter.
type CatmullRomResampler struct{}

// Name returns the resampler name.
func (CatmullRomResampler) Name() string {
	return "catmullrom"
}

// Resample resizes src into a new frame of width x height.
func (CatmullRomResampler) Resample(src Frame, width, height int) (Frame, error) {
	if width <= 0 || height <= 0 {
		return Frame{}, fmt.Errorf("invalid dimensions: width=%d, height=%d", width, height)
	}
	return FromImage(imaging.Resize(src.ToRGBA(), width, height, imaging.CatmullRom)), nil
}

// NewResampler returns the resampler registered under name.
//
// Arguments:
//   - name: "opencv" (default when empty), "lanczos", or "catmullrom".
//
// Returns:
//   - Resampler: The resampler.
//   - error: An error if the name is unknown.
func NewResampler(name string) (Resampler, error) {
	switch name {
	case "", "opencv":
		return NewOpenCVResampler(), nil
	case "lanczos":
		return LanczosResampler{}, nil
	case "catmullrom":
		return CatmullRomResampler{}, nil
	default:
		return nil, fmt.Errorf("unsupported resampler: %s", name)
	}
}
