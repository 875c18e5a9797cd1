package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/nvr-ai/go-mlfilter/inference/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromMap(nil)
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.MinSize)
	assert.Equal(t, 640, cfg.MaxSize)
	assert.Equal(t, 32, cfg.Multiplier)
	assert.Equal(t, float32(0), cfg.DecodeThreshold)
	assert.Equal(t, float32(0.3), cfg.VizThreshold)
	assert.Equal(t, float32(0.5), cfg.CountThreshold)
	assert.Equal(t, 50.0, cfg.Threshold)
	assert.Equal(t, ActionPlayAll, cfg.PipelineAction)
	assert.Equal(t, BackendONNX, cfg.Backend)
	assert.Equal(t, providers.CPU, cfg.Device())
}

func TestFromMapStringValuesAndSeparators(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"model-file":        "/models/ssd_512",
		"class_file":        "/models/classes.txt",
		"device_type":       "gpu:1",
		"decode-threshold":  "0.25",
		"pipeline_action":   "1",
		"cvml_model":        "/models/opencv_face_detector_uint8.pb",
		"cvml_model_params": "/models/opencv_face_detector.pbtxt",
		"Threshold":         "80",
	})
	require.NoError(t, err)

	assert.Equal(t, "/models/ssd_512", cfg.ModelFile)
	assert.Equal(t, "/models/classes.txt", cfg.ClassFile)
	assert.Equal(t, providers.Device{Mode: providers.ProviderModeGPU, Index: 1}, cfg.Device())
	assert.Equal(t, float32(0.25), cfg.DecodeThreshold)
	assert.Equal(t, ActionSimple, cfg.PipelineAction)
	assert.Equal(t, 80.0, cfg.Threshold)
	assert.Equal(t, "/models/opencv_face_detector.pbtxt", cfg.CVMLModelParams)
}

func TestPipelineActionByName(t *testing.T) {
	cfg, err := FromMap(map[string]any{"pipeline-action": "cvml"})
	require.NoError(t, err)
	assert.Equal(t, ActionCVML, cfg.PipelineAction)
	assert.Equal(t, "CVML", cfg.PipelineAction.String())
}

func TestImageSizeSetsBothBounds(t *testing.T) {
	cfg, err := FromMap(map[string]any{"image-size": 416, "min-size": 100})
	require.NoError(t, err)
	assert.Equal(t, 416, cfg.MinSize)
	assert.Equal(t, 416, cfg.MaxSize)

	_, err = FromMap(map[string]any{"image-size": 16})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{name: "unknown key", values: map[string]any{"stream-tagz": "x"}},
		{name: "wrong kind", values: map[string]any{"image-size": "large"}},
		{name: "list for a number", values: map[string]any{"threshold": []any{}}},
		{name: "fractional integer", values: map[string]any{"image-size": 640.7}},
		{name: "fractional integer string", values: map[string]any{"multiplier": "32.5"}},
		{name: "number for a string", values: map[string]any{"model-file": 12}},
		{name: "duplicate after normalising", values: map[string]any{"model-file": "a", "model_file": "b"}},
		{name: "pipeline action range", values: map[string]any{"pipeline-action": 4}},
		{name: "unknown backend", values: map[string]any{"backend": "tflite"}},
		{name: "unknown resampler", values: map[string]any{"resize-backend": "bicubic"}},
		{name: "viz threshold range", values: map[string]any{"viz-threshold": 1.5}},
		{name: "max below multiplier", values: map[string]any{"max-size": 16}},
		{name: "cvml model without params", values: map[string]any{"cvml-model": "a.pb"}},
		{name: "empty class file", values: map[string]any{"class-file": ""}},
		{name: "grid size", values: map[string]any{"backend": "gorgonia", "grid-size": 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.values)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestYAMLScalarTypes(t *testing.T) {
	cfg, err := ParseYAML([]byte("image-size: 640.0\nthreshold: 100\ndecode-threshold: 0.5\nmultiplier: \"16\"\n"))
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.MaxSize)
	assert.Equal(t, 100.0, cfg.Threshold)
	assert.Equal(t, float32(0.5), cfg.DecodeThreshold)
	assert.Equal(t, 16, cfg.Multiplier)

	_, err = ParseYAML([]byte("threshold: []\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseYAML([]byte("image-size: 640.7\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInvalidDevice(t *testing.T) {
	_, err := FromMap(map[string]any{"device-type": "tpu:0"})
	assert.ErrorIs(t, err, inference.ErrDeviceUnavailable)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlfilter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model-file: /models/yolo3_darknet53_coco
class-file: coco
image_size: 512
backend: gorgonia
pipeline-action: PLAY_ALL
`), 0o644))

	cfg, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "/models/yolo3_darknet53_coco", cfg.ModelFile)
	assert.Equal(t, 512, cfg.MaxSize)
	assert.Equal(t, BackendGorgonia, cfg.Backend)
	assert.Equal(t, ActionPlayAll, cfg.PipelineAction)

	_, err = ParseYAML([]byte("- not\n- a map\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDecodeOverBase(t *testing.T) {
	base := Default()
	base.ModelFile = "/models/base"
	cfg, err := Decode(base, map[string]any{"multiplier": 16})
	require.NoError(t, err)
	assert.Equal(t, "/models/base", cfg.ModelFile)
	assert.Equal(t, 16, cfg.Multiplier)
}

func TestKeysAndMap(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "model-file")
	assert.Contains(t, keys, "pipeline-action")
	assert.NotContains(t, keys, "model_file")

	cfg := Default()
	m := cfg.Map()
	assert.Equal(t, 512, m["min-size"])
	assert.Len(t, m, len(keys))
}
