package inference

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Shape is the dimension list of a tensor, outermost first.
type Shape []int

// Size returns the number of elements a tensor of this shape holds.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	dims := make([]string, len(s))
	for i, d := range s {
		dims[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(dims, " ") + "]"
}

// Int64 returns the shape as int64 dimensions.
func (s Shape) Int64() []int64 {
	dims := make([]int64, len(s))
	for i, d := range s {
		dims[i] = int64(d)
	}
	return dims
}

// Tensor is a host-side float32 input tensor.
type Tensor struct {
	Shape Shape
	Data  []float32
}

// NewTensor pairs data with its shape.
//
// Arguments:
//   - shape: The tensor dimensions, every one of them positive.
//   - data: The backing values; len(data) must equal shape.Size().
//
// Returns:
//   - Tensor: The tensor. data is not copied.
//   - error: An error if the shape and data disagree.
func NewTensor(shape Shape, data []float32) (Tensor, error) {
	if len(shape) == 0 {
		return Tensor{}, errors.New("tensor shape is empty")
	}
	for _, d := range shape {
		if d <= 0 {
			return Tensor{}, errors.Errorf("tensor shape %v has a non-positive dimension", shape)
		}
	}
	if len(data) != shape.Size() {
		return Tensor{}, errors.Errorf("tensor shape %v needs %d values, got %d", shape, shape.Size(), len(data))
	}
	return Tensor{Shape: shape.Clone(), Data: data}, nil
}

// Dense copies values into a new gorgonia dense tensor of the given shape.
//
// Arguments:
//   - shape: The tensor dimensions.
//   - values: The values to copy. The slice is not retained.
//
// Returns:
//   - *tensor.Dense: A host tensor owning its own backing array.
func Dense[T float32 | float64 | int32 | int64](shape Shape, values []T) *tensor.Dense {
	backing := make([]T, len(values))
	copy(backing, values)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}
