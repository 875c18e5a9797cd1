package images

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestFrame(width, height int) Frame {
	f := NewFrame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f.Set(x, y, uint8(x%256), uint8(y%256), uint8((x+y)%256))
		}
	}
	return f
}

func TestShortWithinSize(t *testing.T) {
	tests := []struct {
		name                 string
		h, w, min, max, mult int
		wantH, wantW         int
	}{
		{name: "720p landscape", h: 720, w: 1280, min: 512, max: 640, mult: 32, wantH: 352, wantW: 640},
		{name: "square", h: 1000, w: 1000, min: 512, max: 640, mult: 32, wantH: 512, wantW: 512},
		{name: "portrait", h: 1280, w: 720, min: 512, max: 640, mult: 32, wantH: 640, wantW: 352},
		{name: "image-size binds both", h: 480, w: 640, min: 512, max: 512, mult: 32, wantH: 384, wantW: 512},
		{name: "upscale small frame", h: 100, w: 150, min: 512, max: 640, mult: 32, wantH: 416, wantW: 640},
		{name: "multiplier one", h: 720, w: 1280, min: 512, max: 640, mult: 1, wantH: 360, wantW: 640},
		{name: "extreme aspect clamps to multiplier", h: 10, w: 4000, min: 512, max: 640, mult: 32, wantH: 32, wantW: 640},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, w, err := ShortWithinSize(tt.h, tt.w, tt.min, tt.max, tt.mult)
			require.NoError(t, err)
			assert.Equal(t, tt.wantH, h, "height")
			assert.Equal(t, tt.wantW, w, "width")
		})
	}
}

func TestShortWithinSizeInvalid(t *testing.T) {
	_, _, err := ShortWithinSize(0, 100, 512, 640, 32)
	assert.Error(t, err, "zero height should be rejected")

	_, _, err = ShortWithinSize(100, -1, 512, 640, 32)
	assert.Error(t, err, "negative width should be rejected")

	_, _, err = ShortWithinSize(100, 100, 512, 640, 0)
	assert.Error(t, err, "zero multiplier should be rejected")

	_, _, err = ShortWithinSize(100, 100, 0, 640, 32)
	assert.Error(t, err, "zero min size should be rejected")

	_, _, err = ShortWithinSize(100, 100, 512, 16, 32)
	assert.Error(t, err, "max size below multiplier should be rejected")
}

// TestShortWithinSizeProperties sweeps a grid of inputs and checks that every output side
// is a positive multiple of the multiplier, bounded by maxSize, and within one multiplier
// of the exactly scaled side so the aspect ratio is preserved up to rounding.
func TestShortWithinSizeProperties(t *testing.T) {
	dims := []int{1, 31, 100, 240, 480, 511, 720, 1080, 1920, 4096}
	bounds := [][2]int{{32, 32}, {320, 416}, {512, 640}, {608, 608}, {1024, 1333}}
	mults := []int{1, 8, 16, 32}

	for _, h := range dims {
		for _, w := range dims {
			for _, b := range bounds {
				for _, m := range mults {
					minSize, maxSize := b[0], b[1]
					newH, newW, err := ShortWithinSize(h, w, minSize, maxSize, m)
					require.NoError(t, err)

					for _, side := range []int{newH, newW} {
						assert.Positive(t, side)
						assert.Zero(t, side%m, "side %d not a multiple of %d", side, m)
						assert.LessOrEqual(t, side, maxSize)
					}

					scale := math.Min(float64(minSize)/float64(min(h, w)), float64(maxSize)/float64(max(h, w)))
					assert.LessOrEqual(t, math.Abs(float64(newH)-float64(h)*scale), float64(m)+1,
						"h=%d w=%d bounds=%v mult=%d", h, w, b, m)
					assert.LessOrEqual(t, math.Abs(float64(newW)-float64(w)*scale), float64(m)+1,
						"h=%d w=%d bounds=%v mult=%d", h, w, b, m)
				}
			}
		}
	}
}

func TestResizeShortWithin(t *testing.T) {
	src := getTestFrame(128, 72)
	before := src.Checksum()

	for _, r := range []Resampler{NewOpenCVResampler(), LanczosResampler{}, CatmullRomResampler{}} {
		t.Run(r.Name(), func(t *testing.T) {
			dst, err := ResizeShortWithin(r, src, DefaultMinSize, DefaultMaxSize, DefaultMultiplier)
			require.NoError(t, err)
			assert.Equal(t, 640, dst.Width)
			assert.Equal(t, 352, dst.Height)
			assert.NoError(t, dst.Validate())
			assert.Equal(t, before, src.Checksum(), "source frame must be untouched")
		})
	}
}

func TestResizeShortWithinSameSizeCopies(t *testing.T) {
	src := getTestFrame(64, 64)
	dst, err := ResizeShortWithin(LanczosResampler{}, src, 64, 64, 32)
	require.NoError(t, err)
	require.Equal(t, src.Checksum(), dst.Checksum())

	dst.Data[0]++
	assert.NotEqual(t, src.Data[0], dst.Data[0], "result must not alias the source buffer")
}

func TestResizeShortWithinInvalidFrame(t *testing.T) {
	_, err := ResizeShortWithin(LanczosResampler{}, Frame{}, 512, 640, 32)
	assert.Error(t, err, "empty frame should be rejected")

	_, err = ResizeShortWithin(LanczosResampler{}, Frame{Width: 10, Height: 10, Data: make([]byte, 5)}, 512, 640, 32)
	assert.Error(t, err, "short buffer should be rejected")
}

func TestNewResampler(t *testing.T) {
	r, err := NewResampler("")
	require.NoError(t, err)
	assert.Equal(t, "opencv", r.Name())

	r, err = NewResampler("lanczos")
	require.NoError(t, err)
	assert.Equal(t, "lanczos", r.Name())

	r, err = NewResampler("catmullrom")
	require.NoError(t, err)
	assert.Equal(t, "catmullrom", r.Name())

	_, err = NewResampler("bicubic")
	assert.Error(t, err)
}
