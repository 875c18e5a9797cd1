package filter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-mlfilter/config"
	"github.com/nvr-ai/go-mlfilter/images"
	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/nvr-ai/go-mlfilter/meta"
	"github.com/nvr-ai/go-mlfilter/models"
	"github.com/nvr-ai/go-mlfilter/models/postprocess"
	"github.com/nvr-ai/go-mlfilter/profiler"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// gridConfig runs the pure-Go 4x4 grid detector on 64x64 inputs.
func gridConfig(t *testing.T, extra map[string]any) *config.Config {
	t.Helper()
	values := map[string]any{
		"backend":        "gorgonia",
		"resize-backend": "lanczos",
		"image-size":     64,
		"grid-size":      4,
	}
	for k, v := range extra {
		values[k] = v
	}
	cfg, err := config.FromMap(values)
	require.NoError(t, err)
	return cfg
}

// halfWhite returns a frame whose left half is white and right half black.
func halfWhite(width, height int) images.Frame {
	f := images.NewFrame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width/2; x++ {
			f.Set(x, y, 255, 255, 255)
		}
	}
	return f
}

func newGridDetector(t *testing.T, extra map[string]any, prof *profiler.Profiler) *Detector {
	t.Helper()
	d, err := NewDetector(gridConfig(t, extra), zaptest.NewLogger(t), prof)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDetectorProcess(t *testing.T) {
	prof := profiler.New(zaptest.NewLogger(t), profiler.Options{})
	d := newGridDetector(t, nil, prof)

	frame := halfWhite(64, 64)
	before := frame.Checksum()

	set, err := d.Process(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, before, frame.Checksum(), "frame is never modified")

	// Every cell has a positive score, so nothing is filtered at threshold 0.
	require.Len(t, set, 16)
	assert.Equal(t, postprocess.Box{X: 0, Y: 0, Width: 16, Height: 16}, set[0].Box)
	assert.Equal(t, postprocess.Box{X: 48, Y: 48, Width: 16, Height: 16}, set[15].Box)
	assert.Equal(t, "person", set[0].ClassName)
	assert.InDelta(t, 0.92, set[0].Confidence, 0.01)
	assert.InDelta(t, 0.12, set[3].Confidence, 0.01)
	assert.Equal(t, inference.StateBound, d.Session().State())

	for _, op := range []string{profiler.OpPreprocess, profiler.OpForward, profiler.OpDecode, profiler.OpFrame} {
		stats, ok := prof.Operation(op)
		require.True(t, ok, op)
		assert.Equal(t, int64(1), stats.Count, op)
	}
}

func TestDetectorDecodeThreshold(t *testing.T) {
	d := newGridDetector(t, map[string]any{"decode-threshold": 0.5}, nil)

	set, err := d.Process(context.Background(), halfWhite(64, 64))
	require.NoError(t, err)
	require.Len(t, set, 8)
	assert.Equal(t, postprocess.Box{X: 0, Y: 0, Width: 16, Height: 16}, set[0].Box)
	assert.Equal(t, postprocess.Box{X: 16, Y: 0, Width: 16, Height: 16}, set[1].Box)
	assert.Equal(t, postprocess.Box{X: 0, Y: 16, Width: 16, Height: 16}, set[2].Box)
}

func TestDetectorResizesBeforeBinding(t *testing.T) {
	d := newGridDetector(t, nil, nil)

	// 128x128 scales down to the bound 64x64.
	set, err := d.Process(context.Background(), images.NewFrame(128, 128))
	require.NoError(t, err)
	assert.Len(t, set, 16)
	assert.Equal(t, inference.Shape{1, 3, 64, 64}, d.Session().InputShape())
}

func TestDetectorShapeMismatchKeepsSession(t *testing.T) {
	d := newGridDetector(t, nil, nil)

	_, err := d.Process(context.Background(), halfWhite(64, 64))
	require.NoError(t, err)

	// 128x64 resizes to 64x32, which no longer matches the bound input.
	set, err := d.Process(context.Background(), images.NewFrame(128, 64))
	assert.ErrorIs(t, err, inference.ErrShapeMismatch)
	assert.Nil(t, set)
	assert.Equal(t, inference.StateBound, d.Session().State())

	set, err = d.Process(context.Background(), halfWhite(64, 64))
	require.NoError(t, err)
	assert.Len(t, set, 16)

	metrics := d.CollectMetrics()
	assert.Equal(t, 2.0, metrics["detector_frames"])
	assert.Equal(t, 1.0, metrics["detector_dropped"])
	assert.Equal(t, 0.0, metrics["detector_failed"])
}

func TestDetectorResultsAreIndependent(t *testing.T) {
	d := newGridDetector(t, nil, nil)

	first, err := d.Process(context.Background(), halfWhite(64, 64))
	require.NoError(t, err)
	first[0].ClassName = "mutated"
	first[0].Box.X = 99

	second, err := d.Process(context.Background(), halfWhite(64, 64))
	require.NoError(t, err)
	assert.Equal(t, "person", second[0].ClassName)
	assert.Equal(t, float32(0), second[0].Box.X)
}

func TestDetectorCancelledContext(t *testing.T) {
	d := newGridDetector(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Process(ctx, halfWhite(64, 64))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, inference.StateUnbound, d.Session().State())
}

func TestDetectorInvalidFrame(t *testing.T) {
	d := newGridDetector(t, nil, nil)

	_, err := d.Process(context.Background(), images.Frame{Width: 4, Height: 4, Data: make([]byte, 3)})
	assert.Error(t, err)
	assert.Equal(t, inference.StateUnbound, d.Session().State())
}

func TestDetectorProcessBuffer(t *testing.T) {
	d := newGridDetector(t, map[string]any{"decode-threshold": 0.5}, nil)

	buf := meta.NewBuffer(halfWhite(64, 64))
	set, err := d.ProcessBuffer(context.Background(), buf)
	require.NoError(t, err)

	attached, ok := meta.Detections(buf)
	require.True(t, ok)
	assert.Equal(t, set, attached)

	set[0].ClassName = "mutated"
	set[0].Box.X = 99
	attached, ok = meta.Detections(buf)
	require.True(t, ok)
	assert.Equal(t, "person", attached[0].ClassName, "attached record is not shared with the caller")
	assert.Equal(t, float32(0), attached[0].Box.X)

	buf.Release()
	_, err = d.ProcessBuffer(context.Background(), buf)
	assert.ErrorIs(t, err, meta.ErrReleased)
}

// brokenBackend fails every Bind and counts the attempts.
type brokenBackend struct {
	binds int
}

func (b *brokenBackend) Name() string { return "broken" }

func (b *brokenBackend) Bind(inference.Shape) (inference.Executor, error) {
	b.binds++
	return nil, errors.New("unsupported operator")
}

func (b *brokenBackend) Close() error { return nil }

func TestDetectorBindFailureIsFinal(t *testing.T) {
	backend := &brokenBackend{}
	cfg := gridConfig(t, nil)
	d := NewDetectorWithBackend(cfg, backend, models.COCOClasses, images.LanczosResampler{}, zaptest.NewLogger(t), nil)
	defer d.Close()

	_, err := d.Process(context.Background(), halfWhite(64, 64))
	require.ErrorIs(t, err, inference.ErrBindFailure)

	// 128x64 resizes to a different shape; the backend must not be asked again.
	_, err = d.Process(context.Background(), images.NewFrame(128, 64))
	assert.ErrorIs(t, err, inference.ErrBindFailure)
	assert.Equal(t, 1, backend.binds)
	assert.Equal(t, inference.StateFailed, d.Session().State())
	assert.Equal(t, 2.0, d.CollectMetrics()["detector_failed"])
}

func TestAnnotateDetections(t *testing.T) {
	frame := images.NewFrame(40, 40)
	before := frame.Checksum()
	set := postprocess.DetectionSet{
		{Box: postprocess.Box{X: 5, Y: 10, Width: 25, Height: 20}, Confidence: 0.9, ClassName: "person"},
		{Box: postprocess.Box{X: 28, Y: 30, Width: 8, Height: 6}, Confidence: 0.1, ClassName: "cat"},
	}

	out, err := AnnotateDetections(frame, set, 0.3)
	require.NoError(t, err)
	assert.Equal(t, before, frame.Checksum())

	b, g, r := out.At(5, 20)
	assert.Equal(t, [3]uint8{255, 0, 0}, [3]uint8{b, g, r})
	// Below the threshold, not drawn.
	b, g, r = out.At(36, 33)
	assert.Equal(t, [3]uint8{0, 0, 0}, [3]uint8{b, g, r})

	_, err = AnnotateDetections(images.Frame{}, set, 0.3)
	assert.Error(t, err)
}

func TestNewDetectorErrors(t *testing.T) {
	t.Run("missing model file", func(t *testing.T) {
		cfg, err := config.FromMap(nil)
		require.NoError(t, err)
		_, err = NewDetector(cfg, zaptest.NewLogger(t), nil)
		assert.ErrorIs(t, err, inference.ErrModelLoad)
	})

	t.Run("missing class file", func(t *testing.T) {
		cfg := gridConfig(t, map[string]any{"class-file": filepath.Join(t.TempDir(), "absent.txt")})
		_, err := NewDetector(cfg, zaptest.NewLogger(t), nil)
		assert.ErrorIs(t, err, inference.ErrModelLoad)
	})

	t.Run("gpu on the gorgonia backend", func(t *testing.T) {
		cfg := gridConfig(t, map[string]any{"device-type": "gpu:0"})
		_, err := NewDetector(cfg, zaptest.NewLogger(t), nil)
		assert.ErrorIs(t, err, inference.ErrDeviceUnavailable)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewDetector(nil, nil, nil)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

func TestDetectorClassFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.txt")
	require.NoError(t, os.WriteFile(path, []byte("vehicle\n"), 0o644))

	d := newGridDetector(t, map[string]any{"class-file": path}, nil)
	assert.Equal(t, 1, d.Names().Len())

	set, err := d.Process(context.Background(), halfWhite(64, 64))
	require.NoError(t, err)
	assert.Equal(t, "vehicle", set[0].ClassName)
}

func BenchmarkDetectorProcess(b *testing.B) {
	cfg, err := config.FromMap(map[string]any{
		"backend":        "gorgonia",
		"resize-backend": "lanczos",
		"image-size":     64,
		"grid-size":      4,
	})
	require.NoError(b, err)
	d, err := NewDetector(cfg, nil, nil)
	require.NoError(b, err)
	defer d.Close()

	frame := halfWhite(128, 128)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Process(ctx, frame); err != nil {
			b.Fatal(err)
		}
	}
}
