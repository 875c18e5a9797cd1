package postprocess

import (
	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/nvr-ai/go-mlfilter/models"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DefaultThreshold is the decode threshold: every non-negative score passes.
const DefaultThreshold float32 = 0.0

// ErrOutputShape means the output tensors do not describe the same number of detections
// or have an unexpected layout.
var ErrOutputShape = errors.New("unexpected output shape")

// Decode converts three parallel detector outputs into a DetectionSet.
//
// Entry i is skipped when scores[i] < threshold or ids[i] < 0 (a padding slot). Ids at or
// past the end of names resolve to models.UnknownClass. Output keeps the raw order;
// nothing is sorted or suppressed. When the slices differ in length only the common
// prefix is decoded.
//
// Arguments:
//   - ids: Class ids, as floats the way detectors emit them.
//   - scores: Confidence scores.
//   - boxes: Box values, copied verbatim.
//   - names: The class table.
//   - threshold: The minimum score.
//
// Returns:
//   - DetectionSet: A newly allocated set; never nil.
func Decode(ids, scores []float32, boxes [][4]float32, names models.ClassNames, threshold float32) DetectionSet {
	n := min(len(ids), len(scores), len(boxes))
	set := make(DetectionSet, 0, n)

	for i := 0; i < n; i++ {
		if scores[i] < threshold || ids[i] < 0 {
			continue
		}
		id := int(ids[i])
		b := boxes[i]
		set = append(set, Detection{
			Box:        Box{X: b[0], Y: b[1], Width: b[2], Height: b[3]},
			Confidence: scores[i],
			ClassID:    id,
			ClassName:  names.Name(id),
		})
	}
	return set
}

// DecodeOutputs decodes host output tensors.
//
// ids and scores may be [1 N 1], [1 N], or [N]; boxes must be [1 N 4] or [N 4]. Ids may
// be float32, float64, int32, or int64.
//
// Arguments:
//   - out: The synchronised outputs.
//   - names: The class table.
//   - threshold: The minimum score.
//
// Returns:
//   - DetectionSet: A newly allocated set.
//   - error: An error wrapping ErrOutputShape.
func DecodeOutputs(out inference.Outputs, names models.ClassNames, threshold float32) (DetectionSet, error) {
	if out.IDs == nil || out.Scores == nil || out.Boxes == nil {
		return nil, errors.Wrap(ErrOutputShape, "missing output tensor")
	}

	ids, err := column(out.IDs, "ids")
	if err != nil {
		return nil, err
	}
	scores, err := column(out.Scores, "scores")
	if err != nil {
		return nil, err
	}
	boxes, err := rows4(out.Boxes)
	if err != nil {
		return nil, err
	}
	if len(ids) != len(scores) || len(ids) != len(boxes) {
		return nil, errors.Wrapf(ErrOutputShape, "ids %v, scores %v, and boxes %v disagree on N",
			out.IDs.Shape(), out.Scores.Shape(), out.Boxes.Shape())
	}

	return Decode(ids, scores, boxes, names, threshold), nil
}

// column flattens a [1 N 1], [1 N], or [N] tensor.
func column(t *tensor.Dense, name string) ([]float32, error) {
	shape := t.Shape()
	n := 0
	switch {
	case len(shape) == 1:
		n = shape[0]
	case len(shape) == 2 && shape[0] == 1:
		n = shape[1]
	case len(shape) == 3 && shape[0] == 1 && shape[2] == 1:
		n = shape[1]
	default:
		return nil, errors.Wrapf(ErrOutputShape, "%s has shape %v", name, shape)
	}
	values, err := asFloat32(t)
	if err != nil {
		return nil, errors.Wrapf(ErrOutputShape, "%s: %v", name, err)
	}
	if len(values) != n {
		return nil, errors.Wrapf(ErrOutputShape, "%s has %d values for shape %v", name, len(values), shape)
	}
	return values, nil
}

// rows4 splits a [1 N 4] or [N 4] tensor into boxes.
func rows4(t *tensor.Dense) ([][4]float32, error) {
	shape := t.Shape()
	n := 0
	switch {
	case len(shape) == 2 && shape[1] == 4:
		n = shape[0]
	case len(shape) == 3 && shape[0] == 1 && shape[2] == 4:
		n = shape[1]
	default:
		return nil, errors.Wrapf(ErrOutputShape, "boxes have shape %v", shape)
	}
	values, err := asFloat32(t)
	if err != nil {
		return nil, errors.Wrapf(ErrOutputShape, "boxes: %v", err)
	}
	if len(values) != n*4 {
		return nil, errors.Wrapf(ErrOutputShape, "boxes have %d values for shape %v", len(values), shape)
	}

	boxes := make([][4]float32, n)
	for i := range boxes {
		copy(boxes[i][:], values[i*4:i*4+4])
	}
	return boxes, nil
}

func asFloat32(t *tensor.Dense) ([]float32, error) {
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		return convert(data), nil
	case []int32:
		return convert(data), nil
	case []int64:
		return convert(data), nil
	case float32:
		return []float32{data}, nil
	default:
		return nil, errors.Errorf("unsupported element type %T", data)
	}
}

func convert[T float64 | int32 | int64](values []T) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v)
	}
	return out
}
