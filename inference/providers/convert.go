package providers

import (
	"github.com/nvr-ai/go-mlfilter/inference"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// toDense copies a runtime-allocated output into a host tensor.
func toDense(v ort.Value) (*tensor.Dense, error) {
	dims := v.GetShape()
	shape := make(inference.Shape, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}

	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return inference.Dense(shape, t.GetData()), nil
	case *ort.Tensor[float64]:
		return inference.Dense(shape, t.GetData()), nil
	case *ort.Tensor[int64]:
		return inference.Dense(shape, t.GetData()), nil
	case *ort.Tensor[int32]:
		return inference.Dense(shape, t.GetData()), nil
	default:
		return nil, errors.Errorf("unsupported output value %T", v)
	}
}
