package providers

import (
	"os"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/pkg/errors"
)

// ProviderMode represents the kind of device inference runs on.
type ProviderMode string

const (
	// ProviderModeCPU uses CPU for inference.
	ProviderModeCPU ProviderMode = "cpu"

	// ProviderModeGPU uses GPU for inference.
	ProviderModeGPU ProviderMode = "gpu"
)

// Device is a parsed device-type value.
type Device struct {
	Mode  ProviderMode
	Index int
}

// CPU is the default device.
var CPU = Device{Mode: ProviderModeCPU}

func (d Device) String() string {
	if d.Mode == ProviderModeGPU {
		return "gpu:" + strconv.Itoa(d.Index)
	}
	return string(ProviderModeCPU)
}

// ParseDevice parses a device-type string: "cpu", "gpu" (index 0), or "gpu:N".
//
// Arguments:
//   - value: The device-type value; empty means cpu.
//
// Returns:
//   - Device: The parsed device.
//   - error: An error wrapping inference.ErrDeviceUnavailable for unknown kinds or
//     malformed indices.
func ParseDevice(value string) (Device, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch {
	case v == "" || v == string(ProviderModeCPU):
		return CPU, nil
	case v == string(ProviderModeGPU):
		return Device{Mode: ProviderModeGPU}, nil
	case strings.HasPrefix(v, string(ProviderModeGPU)+":"):
		idx, err := strconv.Atoi(strings.TrimPrefix(v, string(ProviderModeGPU)+":"))
		if err != nil || idx < 0 {
			return Device{}, errors.Wrapf(inference.ErrDeviceUnavailable, "invalid gpu index in %q", value)
		}
		return Device{Mode: ProviderModeGPU, Index: idx}, nil
	default:
		return Device{}, errors.Wrapf(inference.ErrDeviceUnavailable, "unknown device type %q", value)
	}
}

// CheckAvailable verifies that a GPU index exists among the devices visible to the
// process. CPU is always available.
//
// Visibility is read from CUDA_VISIBLE_DEVICES when it is set; an empty value or "-1"
// hides every GPU. When it is unset, the index is accepted here and the execution
// provider reports a missing device when the session is created.
//
// Returns:
//   - error: An error wrapping inference.ErrDeviceUnavailable.
func (d Device) CheckAvailable() error {
	if d.Mode != ProviderModeGPU {
		return nil
	}
	visible, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES")
	if !ok {
		return nil
	}
	visible = strings.TrimSpace(visible)
	if visible == "" || visible == "-1" {
		return errors.Wrapf(inference.ErrDeviceUnavailable, "%s requested but CUDA_VISIBLE_DEVICES hides all GPUs", d)
	}
	count := len(strings.Split(visible, ","))
	if d.Index >= count {
		return errors.Wrapf(inference.ErrDeviceUnavailable, "%s requested but only %d GPU(s) visible", d, count)
	}
	return nil
}
