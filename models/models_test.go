package models

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClassNamesName(t *testing.T) {
	names := ClassNames{"person", "car"}
	assert.Equal(t, "person", names.Name(0))
	assert.Equal(t, "car", names.Name(1))
	assert.Equal(t, UnknownClass, names.Name(2))
	assert.Equal(t, UnknownClass, names.Name(-1))
	assert.Equal(t, UnknownClass, ClassNames(nil).Name(0))
}

func TestParseClassNames(t *testing.T) {
	names, err := ParseClassNames(strings.NewReader("person\r\n\n  car \nbus\n"))
	require.NoError(t, err)
	assert.Equal(t, ClassNames{"person", "car", "bus"}, names)
	assert.Equal(t, 3, names.Len())
}

func TestLoadClassNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classes.txt")
	require.NoError(t, os.WriteFile(path, []byte("dog\ncat\n"), 0o644))

	names, err := LoadClassNames(path)
	require.NoError(t, err)
	assert.Equal(t, ClassNames{"dog", "cat"}, names)

	_, err = LoadClassNames(filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, inference.ErrModelLoad)

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("\n\n"), 0o644))
	_, err = LoadClassNames(empty)
	assert.ErrorIs(t, err, inference.ErrModelLoad)
}

func TestPresets(t *testing.T) {
	names, err := LoadClassNames("coco")
	require.NoError(t, err)
	assert.Equal(t, 80, names.Len())
	assert.Equal(t, "person", names.Name(0))
	assert.Equal(t, "toothbrush", names.Name(79))

	voc, ok := Preset(ModelFamilyVOC)
	require.True(t, ok)
	assert.Equal(t, 20, voc.Len())

	custom := ClassNames{"a", "b"}
	RegisterPreset("custom-test", custom)
	custom[0] = "changed"
	got, ok := Preset("custom-test")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name(0), "registered tables are copied")
	assert.Contains(t, Presets(), ModelFamily("custom-test"))
}

func TestLoadModel(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "ssd_512_resnet50")
	require.NoError(t, os.WriteFile(prefix+".onnx", []byte("graph"), 0o644))

	m, err := LoadModel(prefix, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, prefix+".onnx", m.Path)
	assert.Equal(t, []byte("graph"), m.Data)

	m, err = LoadModel(prefix+".onnx", nil)
	require.NoError(t, err)
	assert.Equal(t, prefix+".onnx", m.Path)

	_, err = LoadModel(filepath.Join(dir, "missing"), nil)
	assert.ErrorIs(t, err, inference.ErrModelLoad)

	_, err = LoadModel("", nil)
	assert.ErrorIs(t, err, inference.ErrModelLoad)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.onnx"), nil, 0o644))
	_, err = LoadModel(filepath.Join(dir, "empty"), nil)
	assert.ErrorIs(t, err, inference.ErrModelLoad)
}
