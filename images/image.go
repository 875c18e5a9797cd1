// Package images - Frame definition and processing utilities.
package images

import (
	"fmt"
	"image"
	"image/color"
)

// Channels is the number of interleaved channels in a Frame (B, G, R).
const Channels = 3

// Frame is a raw video frame with 8-bit BGR pixels stored row-major.
//
// A Frame is owned by the caller; the pipeline reads it but never mutates it.
type Frame struct {
	// The width of the frame in pixels.
	Width int `json:"width" yaml:"width"`
	// The height of the frame in pixels.
	Height int `json:"height" yaml:"height"`
	// The pixel data, Width*Height*3 bytes in B, G, R order.
	Data []byte `json:"-" yaml:"-"`
}

// NewFrame allocates a zeroed frame of the given size.
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Data: make([]byte, width*height*Channels)}
}

// Validate checks that the frame is non-empty and that the buffer matches its dimensions.
//
// Returns:
//   - error: An error describing the first problem found, nil when the frame is usable.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions: width=%d, height=%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * Channels; len(f.Data) != want {
		return fmt.Errorf("frame buffer holds %d bytes, %dx%d BGR needs %d", len(f.Data), f.Width, f.Height, want)
	}
	return nil
}

// Empty reports whether the frame has no pixels.
func (f Frame) Empty() bool {
	return f.Width == 0 || f.Height == 0 || len(f.Data) == 0
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{Width: f.Width, Height: f.Height, Data: data}
}

// At returns the B, G, R values of the pixel at (x, y).
func (f Frame) At(x, y int) (b, g, r uint8) {
	i := (y*f.Width + x) * Channels
	return f.Data[i], f.Data[i+1], f.Data[i+2]
}

// Set writes the B, G, R values of the pixel at (x, y).
func (f Frame) Set(x, y int, b, g, r uint8) {
	i := (y*f.Width + x) * Channels
	f.Data[i], f.Data[i+1], f.Data[i+2] = b, g, r
}

// FromImage converts any image.Image into a BGR frame.
//
// Arguments:
//   - img: The source image.
//
// Returns:
//   - Frame: A newly allocated frame with the same bounds size as img.
func FromImage(img image.Image) Frame {
	bounds := img.Bounds()
	f := NewFrame(bounds.Dx(), bounds.Dy())
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			f.Set(x, y, uint8(b>>8), uint8(g>>8), uint8(r>>8))
		}
	}
	return f
}

// ToRGBA converts the frame into an *image.RGBA.
func (f Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			b, g, r := f.At(x, y)
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}
