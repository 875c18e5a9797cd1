package images

import (
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"gocv.io/x/gocv"
)

// Thumbnail decodes an encoded image with libvips, scaling it to fit inside
// width x height while it loads. JPEGs are shrunk during decoding. The result passes
// through a JPEG re-encode, so pixels are not exact.
//
// Arguments:
//   - data: The encoded image (JPEG, PNG, WebP, or anything else libvips loads).
//   - width: The largest output width.
//   - height: The largest output height.
//
// Returns:
//   - Frame: The decoded BGR frame, aspect ratio preserved.
//   - error: An error if the image fails to load, shrink, or decode.
func Thumbnail(data []byte, width, height int) (Frame, error) {
	if width <= 0 || height <= 0 {
		return Frame{}, fmt.Errorf("invalid thumbnail bounds: width=%d, height=%d", width, height)
	}

	img, err := vips.NewImageFromBuffer(data, &vips.LoadOptions{
		Access: vips.AccessSequential,
	})
	if err != nil {
		return Frame{}, fmt.Errorf("failed to load image: %w", err)
	}
	defer img.Close()

	err = img.ThumbnailImage(width, &vips.ThumbnailImageOptions{
		Height: height,
		FailOn: vips.FailOnError,
	})
	if err != nil {
		return Frame{}, fmt.Errorf("failed to shrink image: %w", err)
	}

	encoded, err := img.JpegsaveBuffer(&vips.JpegsaveBufferOptions{})
	if err != nil || len(encoded) == 0 {
		return Frame{}, fmt.Errorf("failed to encode shrunk image: %v", err)
	}

	mat, err := gocv.IMDecode(encoded, gocv.IMReadColor)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to decode shrunk image: %w", err)
	}
	defer mat.Close()
	return FromMat(mat)
}
