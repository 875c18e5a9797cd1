// Package config - Typed configuration for the detector and gate filters.
package config

import (
	"fmt"
	"math"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/nvr-ai/go-mlfilter/images"
	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/nvr-ai/go-mlfilter/inference/providers"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig means a configuration key is unknown or its value is malformed or out
// of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Inference backends.
const (
	BackendONNX     = "onnx"
	BackendGorgonia = "gorgonia"
)

// MinImageSize is the smallest accepted image-size.
const MinImageSize = 32

// ActionMask is the packed gate decision: bit 0 continues the simple path, bit 1 the
// CVML path.
type ActionMask int

// Gate decisions as packed masks.
const (
	ActionStopAll ActionMask = 0
	ActionSimple  ActionMask = 1
	ActionCVML    ActionMask = 2
	ActionPlayAll ActionMask = 3
)

var actionNames = map[string]ActionMask{
	"STOP_ALL": ActionStopAll,
	"SIMPLE":   ActionSimple,
	"CVML":     ActionCVML,
	"PLAY_ALL": ActionPlayAll,
}

func (a ActionMask) String() string {
	for name, v := range actionNames {
		if v == a {
			return name
		}
	}
	return strconv.Itoa(int(a))
}

// Config holds every recognised key. Keys are written with '-' separators; '_' is
// accepted on input.
type Config struct {
	// model-file: path prefix of the detector model.
	ModelFile string `mapstructure:"model-file"        yaml:"model-file"`
	// class-file: newline-delimited class names, or a preset name such as "coco".
	ClassFile string `mapstructure:"class-file"        yaml:"class-file"`
	// device-type: cpu, gpu, or gpu:N.
	DeviceType string `mapstructure:"device-type"       yaml:"device-type"`
	// image-size: when set, overrides both min-size and max-size.
	ImageSize int `mapstructure:"image-size"        yaml:"image-size"`
	// min-size, max-size, multiplier: resize bounds.
	MinSize    int `mapstructure:"min-size"          yaml:"min-size"`
	MaxSize    int `mapstructure:"max-size"          yaml:"max-size"`
	Multiplier int `mapstructure:"multiplier"        yaml:"multiplier"`
	// decode-threshold: minimum detection score kept by the decoder.
	DecodeThreshold float32 `mapstructure:"decode-threshold"  yaml:"decode-threshold"`
	// viz-threshold: visualisation threshold. Parsed and exposed, not used for decoding.
	VizThreshold float32 `mapstructure:"viz-threshold"     yaml:"viz-threshold"`
	// backend: onnx or gorgonia.
	Backend string `mapstructure:"backend"           yaml:"backend"`
	// resize-backend: opencv, lanczos, or catmullrom.
	ResizeBackend string `mapstructure:"resize-backend"    yaml:"resize-backend"`
	// grid-size: cells per side of the gorgonia reference detector.
	GridSize int `mapstructure:"grid-size"         yaml:"grid-size"`
	// Tensor names of the exported detector.
	InputName    string `mapstructure:"input-name"        yaml:"input-name"`
	OutputIDs    string `mapstructure:"output-ids"        yaml:"output-ids"`
	OutputScores string `mapstructure:"output-scores"     yaml:"output-scores"`
	OutputBoxes  string `mapstructure:"output-boxes"      yaml:"output-boxes"`
	// intra-op-threads: ONNX Runtime op thread pool size; 0 keeps the default.
	IntraOpThreads int `mapstructure:"intra-op-threads"  yaml:"intra-op-threads"`

	// threshold: gate brightness threshold.
	Threshold float64 `mapstructure:"threshold"         yaml:"threshold"`
	// pipeline-action: gate decision used when the frame is not stopped.
	PipelineAction ActionMask `mapstructure:"pipeline-action"   yaml:"pipeline-action"`
	// cvml-model, cvml-model-params: OpenCV DNN detector used to count boxes.
	CVMLModel       string `mapstructure:"cvml-model"        yaml:"cvml-model"`
	CVMLModelParams string `mapstructure:"cvml-model-params" yaml:"cvml-model-params"`
	// count-threshold: confidence a counted box must exceed.
	CountThreshold float32 `mapstructure:"count-threshold"   yaml:"count-threshold"`
	// face-cascade: Haar cascade used to count faces.
	FaceCascade string `mapstructure:"face-cascade"      yaml:"face-cascade"`
}

// Default returns the configuration used for keys that are not set.
func Default() Config {
	return Config{
		ClassFile:       "coco",
		DeviceType:      "cpu",
		MinSize:         images.DefaultMinSize,
		MaxSize:         images.DefaultMaxSize,
		Multiplier:      images.DefaultMultiplier,
		DecodeThreshold: 0.0,
		VizThreshold:    0.3,
		Backend:         BackendONNX,
		ResizeBackend:   "opencv",
		GridSize:        4,
		InputName:       inference.DefaultInputName,
		OutputIDs:       inference.DefaultIDsName,
		OutputScores:    inference.DefaultScoresName,
		OutputBoxes:     inference.DefaultBoxesName,
		Threshold:       50,
		PipelineAction:  ActionPlayAll,
		CountThreshold:  0.5,
	}
}

// FromMap decodes a string-keyed map over the defaults and validates the result.
//
// Arguments:
//   - values: Key/value pairs; values may be strings and are converted to the key's type.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: An error wrapping ErrInvalidConfig, or inference.ErrDeviceUnavailable for a
//     bad device-type.
func FromMap(values map[string]any) (*Config, error) {
	return Decode(Default(), values)
}

// Decode applies values on top of base and validates the result.
//
// Arguments:
//   - base: The starting configuration.
//   - values: Key/value pairs to apply.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: See FromMap.
func Decode(base Config, values map[string]any) (*Config, error) {
	normalized, err := normalizeKeys(values)
	if err != nil {
		return nil, err
	}

	cfg := base
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "mapstructure",
		Result:      &cfg,
		ErrorUnused: true,
		DecodeHook:  mapstructure.ComposeDecodeHookFunc(actionMaskHook, scalarHook),
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating decoder")
	}
	if err := decoder.Decode(normalized); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "%v", err)
	}

	if _, ok := normalized["image-size"]; ok {
		if cfg.ImageSize < MinImageSize {
			return nil, errors.Wrapf(ErrInvalidConfig, "image-size %d is below %d", cfg.ImageSize, MinImageSize)
		}
		cfg.MinSize = cfg.ImageSize
		cfg.MaxSize = cfg.ImageSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadYAML reads a flat YAML mapping and decodes it over the defaults.
//
// Arguments:
//   - path: The YAML file.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: A read error, or see FromMap.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return ParseYAML(data)
}

// ParseYAML decodes a flat YAML mapping over the defaults.
func ParseYAML(data []byte) (*Config, error) {
	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "parsing yaml: %v", err)
	}
	return FromMap(values)
}

// Validate checks ranges and enumerations.
//
// Returns:
//   - error: An error wrapping ErrInvalidConfig, or inference.ErrDeviceUnavailable.
func (c *Config) Validate() error {
	if _, err := providers.ParseDevice(c.DeviceType); err != nil {
		return err
	}

	var problems []string
	if c.MinSize <= 0 {
		problems = append(problems, fmt.Sprintf("min-size must be positive, got %d", c.MinSize))
	}
	if c.Multiplier <= 0 {
		problems = append(problems, fmt.Sprintf("multiplier must be positive, got %d", c.Multiplier))
	}
	if c.MaxSize < c.Multiplier {
		problems = append(problems, fmt.Sprintf("max-size %d is smaller than multiplier %d", c.MaxSize, c.Multiplier))
	}
	if c.VizThreshold < 0 || c.VizThreshold > 1 {
		problems = append(problems, fmt.Sprintf("viz-threshold must be within [0, 1], got %g", c.VizThreshold))
	}
	if c.CountThreshold < 0 || c.CountThreshold > 1 {
		problems = append(problems, fmt.Sprintf("count-threshold must be within [0, 1], got %g", c.CountThreshold))
	}
	if c.IntraOpThreads < 0 {
		problems = append(problems, fmt.Sprintf("intra-op-threads must not be negative, got %d", c.IntraOpThreads))
	}
	if c.Threshold < 0 || c.Threshold > 255 {
		problems = append(problems, fmt.Sprintf("threshold must be within [0, 255], got %g", c.Threshold))
	}
	if c.PipelineAction < ActionStopAll || c.PipelineAction > ActionPlayAll {
		problems = append(problems, fmt.Sprintf("pipeline-action must be within [0, 3], got %d", c.PipelineAction))
	}
	switch c.Backend {
	case BackendONNX:
	case BackendGorgonia:
		if c.GridSize <= 0 {
			problems = append(problems, fmt.Sprintf("grid-size must be positive, got %d", c.GridSize))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown backend %q", c.Backend))
	}
	if _, err := images.NewResampler(c.ResizeBackend); err != nil {
		problems = append(problems, err.Error())
	}
	if (c.CVMLModel == "") != (c.CVMLModelParams == "") {
		problems = append(problems, "cvml-model and cvml-model-params must be set together")
	}
	if c.ClassFile == "" {
		problems = append(problems, "class-file is required")
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Device returns the parsed device-type.
func (c *Config) Device() providers.Device {
	d, _ := providers.ParseDevice(c.DeviceType)
	return d
}

// Map returns the configuration as a key/value map with '-' separators.
func (c *Config) Map() map[string]any {
	out := map[string]any{}
	_ = mapstructure.Decode(c, &out)
	return out
}

// Keys lists every recognised key.
func Keys() []string {
	t := reflect.TypeOf(Config{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		keys = append(keys, t.Field(i).Tag.Get("mapstructure"))
	}
	sort.Strings(keys)
	return keys
}

// normalizeKeys lower-cases keys and maps '_' to '-', rejecting keys that collide.
func normalizeKeys(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "_", "-")
		if _, dup := out[key]; dup {
			return nil, errors.Wrapf(ErrInvalidConfig, "key %q given more than once", key)
		}
		out[key] = v
	}
	return out, nil
}

// actionMaskHook lets pipeline-action be given by name (STOP_ALL, SIMPLE, CVML, PLAY_ALL).
func actionMaskHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(ActionMask(0)) || from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.ToUpper(strings.TrimSpace(data.(string)))
	if v, ok := actionNames[s]; ok {
		return int(v), nil
	}
	return data, nil
}

// scalarHook parses string values into numeric and boolean fields and rejects floats
// with a fractional part given to integer fields. Every other conversion is left to
// the strict decoder.
func scalarHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch from.Kind() {
		case reflect.String:
			v, err := strconv.ParseInt(strings.TrimSpace(reflect.ValueOf(data).String()), 10, to.Bits())
			if err != nil {
				return nil, errors.Errorf("%q is not an integer", data)
			}
			return v, nil
		case reflect.Float32, reflect.Float64:
			f := reflect.ValueOf(data).Float()
			if f != math.Trunc(f) {
				return nil, errors.Errorf("%v is not an integer", data)
			}
		}
	case reflect.Float32, reflect.Float64:
		if from.Kind() == reflect.String {
			v, err := strconv.ParseFloat(strings.TrimSpace(reflect.ValueOf(data).String()), to.Bits())
			if err != nil {
				return nil, errors.Errorf("%q is not a number", data)
			}
			return v, nil
		}
	case reflect.Bool:
		if from.Kind() == reflect.String {
			v, err := strconv.ParseBool(strings.TrimSpace(reflect.ValueOf(data).String()))
			if err != nil {
				return nil, errors.Errorf("%q is not a boolean", data)
			}
			return v, nil
		}
	}
	return data, nil
}
