package filter

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-mlfilter/config"
	"github.com/nvr-ai/go-mlfilter/images"
	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/nvr-ai/go-mlfilter/profiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func uniform(width, height int, level uint8) images.Frame {
	f := images.NewFrame(width, height)
	for i := range f.Data {
		f.Data[i] = level
	}
	return f
}

func newGate(t *testing.T, values map[string]any) *Gate {
	t.Helper()
	cfg, err := config.FromMap(values)
	require.NoError(t, err)
	g, err := NewGate(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestPipelineActionBits(t *testing.T) {
	tests := []struct {
		action PipelineAction
		bits   config.ActionMask
		name   string
	}{
		{action: PipelineAction{}, bits: config.ActionStopAll, name: "STOP_ALL"},
		{action: PipelineAction{SimplePath: true}, bits: config.ActionSimple, name: "SIMPLE"},
		{action: PipelineAction{CVMLPath: true}, bits: config.ActionCVML, name: "CVML"},
		{action: PipelineAction{SimplePath: true, CVMLPath: true}, bits: config.ActionPlayAll, name: "PLAY_ALL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.bits, tt.action.Bits())
			assert.Equal(t, tt.action, ActionFromBits(tt.bits))
			assert.Equal(t, tt.name, tt.action.String())
		})
	}
}

func TestGateBrightness(t *testing.T) {
	g := newGate(t, nil)

	action, err := g.Classify(uniform(32, 24, 200))
	require.NoError(t, err)
	assert.Equal(t, config.ActionPlayAll, action.Bits())

	action, err = g.Classify(uniform(32, 24, 10))
	require.NoError(t, err)
	assert.Equal(t, config.ActionStopAll, action.Bits())
}

func TestGateDefaultAction(t *testing.T) {
	g := newGate(t, map[string]any{"pipeline-action": 1, "threshold": 100})

	action, err := g.Classify(uniform(16, 16, 180))
	require.NoError(t, err)
	assert.Equal(t, PipelineAction{SimplePath: true}, action)

	action, err = g.Classify(uniform(16, 16, 60))
	require.NoError(t, err)
	assert.Equal(t, PipelineAction{}, action, "60 is below the raised threshold")
}

func TestGateThresholdIsStrict(t *testing.T) {
	g := newGate(t, map[string]any{"threshold": 50})

	report, err := g.Inspect(uniform(16, 16, 50))
	require.NoError(t, err)
	assert.Equal(t, 50.0, report.Brightness)
	assert.Equal(t, 0, report.Score)
	assert.Equal(t, PipelineAction{}, report.Action, "brightness equal to the threshold does not fire")

	action, err := g.Classify(uniform(16, 16, 51))
	require.NoError(t, err)
	assert.Equal(t, config.ActionPlayAll, action.Bits())
}

func TestGateIsStateless(t *testing.T) {
	g := newGate(t, nil)

	dark := uniform(16, 16, 5)
	first, err := g.Inspect(dark)
	require.NoError(t, err)

	_, err = g.Classify(uniform(16, 16, 250))
	require.NoError(t, err)

	again, err := g.Inspect(dark)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestGateOnAction(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg, err := config.FromMap(nil)
	require.NoError(t, err)
	prof := profiler.New(zap.NewNop(), profiler.Options{})

	g, err := NewGate(cfg, zap.New(core), prof)
	require.NoError(t, err)
	defer g.Close()

	var got []config.ActionMask
	g.OnAction(func(a PipelineAction, r GateReport) {
		got = append(got, a.Bits())
		assert.Equal(t, r.Action, a)
	})

	for _, level := range []uint8{200, 0, 90} {
		_, err := g.Classify(uniform(8, 8, level))
		require.NoError(t, err)
	}
	assert.Equal(t, []config.ActionMask{config.ActionPlayAll, config.ActionStopAll, config.ActionPlayAll}, got)

	// The box counter is not configured; each frame warns and contributes nothing.
	assert.Equal(t, 3, logs.FilterMessageSnippet("cvml model not configured").Len())

	stats, ok := prof.Operation(profiler.OpClassify)
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Count)
}

func TestGateReport(t *testing.T) {
	g := newGate(t, nil)

	report, err := g.Inspect(uniform(8, 8, 120))
	require.NoError(t, err)
	assert.InDelta(t, 120, report.Brightness, 0.5)
	assert.Equal(t, 1, report.Score)
	assert.Empty(t, report.Boxes)
	assert.Empty(t, report.Faces)
}

func TestGateInvalidFrame(t *testing.T) {
	g := newGate(t, nil)
	_, err := g.Classify(images.Frame{Width: 2, Height: 2})
	assert.Error(t, err)
}

func TestGateModelLoadErrors(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.FromMap(map[string]any{"face-cascade": filepath.Join(dir, "absent.xml")})
	require.NoError(t, err)
	_, err = NewGate(cfg, zaptest.NewLogger(t), nil)
	assert.ErrorIs(t, err, inference.ErrModelLoad)

	_, err = NewGate(nil, nil, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestAnnotate(t *testing.T) {
	frame := uniform(40, 40, 0)
	before := frame.Checksum()

	out, err := Annotate(frame, GateReport{Boxes: []image.Rectangle{image.Rect(5, 5, 30, 30)}})
	require.NoError(t, err)
	assert.Equal(t, before, frame.Checksum())

	b, g, r := out.At(5, 15)
	assert.Equal(t, [3]uint8{0, 255, 0}, [3]uint8{b, g, r})
	b, g, r = out.At(17, 17)
	assert.Equal(t, [3]uint8{0, 0, 0}, [3]uint8{b, g, r})
}
