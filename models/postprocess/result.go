// Package postprocess - Decoding raw detector outputs into detection records.
package postprocess

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
)

// Box is a bounding box in resized-frame pixels. Values are copied verbatim from the
// model's box tensor and are not rescaled to the original frame.
type Box struct {
	X      float32 `json:"x"      yaml:"x"`
	Y      float32 `json:"y"      yaml:"y"`
	Width  float32 `json:"width"  yaml:"width"`
	Height float32 `json:"height" yaml:"height"`
}

// Rect rounds the box to an integer rectangle, reading Width and Height as extents.
func (b Box) Rect() image.Rectangle {
	x0 := int(math32.Round(b.X))
	y0 := int(math32.Round(b.Y))
	return image.Rect(x0, y0, x0+int(math32.Round(b.Width)), y0+int(math32.Round(b.Height)))
}

// Detection represents a single decoded detection.
type Detection struct {
	// The bounding box of the detection.
	Box Box `json:"box"        yaml:"box"`
	// The confidence score of the detection.
	Confidence float32 `json:"confidence" yaml:"confidence"`
	// The predicted class id.
	ClassID int `json:"class_id"   yaml:"class_id"`
	// The resolved label, "Unknown" for ids outside the class table.
	ClassName string `json:"class_name" yaml:"class_name"`
}

func (d Detection) String() string {
	return fmt.Sprintf("%s(%d) %.3f [%.1f %.1f %.1f %.1f]",
		d.ClassName, d.ClassID, d.Confidence, d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height)
}

// DetectionSet is the ordered result of decoding one frame, in raw output order.
//
// Each decode allocates a new set; it is owned by the caller and shares no memory with
// any other set or with the inference session. An empty set is a valid result.
type DetectionSet []Detection

// Len returns the number of detections.
func (s DetectionSet) Len() int {
	return len(s)
}

// Clone returns a deep copy of the set.
func (s DetectionSet) Clone() DetectionSet {
	if s == nil {
		return nil
	}
	return append(DetectionSet(nil), s...)
}

// Above returns a new set holding the detections whose confidence is at least threshold.
func (s DetectionSet) Above(threshold float32) DetectionSet {
	out := make(DetectionSet, 0, len(s))
	for _, d := range s {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}
