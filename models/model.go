// Package models - Model files and class tables.
package models

import (
	"os"
	"path/filepath"

	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ModelFamily is the family of models, used to pick a built-in class table.
type ModelFamily string

const (
	// ModelFamilyCOCO is the COCO model family, 80 zero-based classes.
	ModelFamilyCOCO ModelFamily = "coco"
	// ModelFamilyVOC is the Pascal VOC model family, 20 zero-based classes.
	ModelFamilyVOC ModelFamily = "voc"
)

// ModelExtensions are tried in order after the bare model-file prefix.
var ModelExtensions = []string{"", ".onnx"}

// Model is a serialized detector read into memory once at configuration time.
//
// The bytes are read-only and may be shared between backends.
type Model struct {
	// Path is the resolved file.
	Path string
	// Data is the file content.
	Data []byte
}

// ResolveModelFile finds the model file for a model-file prefix.
//
// Arguments:
//   - prefix: The configured model-file value, with or without extension.
//
// Returns:
//   - string: The first existing regular file among prefix+ModelExtensions.
//   - error: An error wrapping inference.ErrModelLoad when none exists.
func ResolveModelFile(prefix string) (string, error) {
	if prefix == "" {
		return "", errors.Wrap(inference.ErrModelLoad, "model-file is not set")
	}
	for _, ext := range ModelExtensions {
		candidate := prefix + ext
		info, err := os.Stat(candidate)
		if err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}
	return "", errors.Wrapf(inference.ErrModelLoad, "no model file for %s (tried extensions %q)", prefix, ModelExtensions)
}

// LoadModel resolves and reads a model file.
//
// Arguments:
//   - prefix: The configured model-file value.
//   - logger: The logger; nil disables logging.
//
// Returns:
//   - *Model: The loaded model.
//   - error: An error wrapping inference.ErrModelLoad.
func LoadModel(prefix string, logger *zap.Logger) (*Model, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path, err := ResolveModelFile(prefix)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(inference.ErrModelLoad, "reading %s: %v", path, err)
	}
	if len(data) == 0 {
		return nil, errors.Wrapf(inference.ErrModelLoad, "%s is empty", path)
	}

	logger.Info("loaded model", zap.String("path", path), zap.String("name", filepath.Base(path)), zap.Int("bytes", len(data)))
	return &Model{Path: path, Data: data}, nil
}
