package weights

import (
	"slices"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// NewTensor wraps data as a float32 tensor. len(data) must equal the product of dims.
func NewTensor(data []float32, dims ...int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// Zeroed returns a float32 tensor of zeros
func Zeroed(dims ...int) *tensors.Tensor {
	return NewTensor(make([]float32, size(dims)), dims...)
}

// Flat returns a copy of the values of a float32 tensor, in row major order
func Flat(t *tensors.Tensor) []float32 {
	return tensors.CopyFlatData[float32](t)
}

// Dims returns the dimensions of t
func Dims(t *tensors.Tensor) []int {
	return t.Shape().Dimensions
}

// Equal is true if a and b have the same dimensions and exactly the same values
func Equal(a, b *tensors.Tensor) bool {
	return slices.Equal(Dims(a), Dims(b)) && slices.Equal(Flat(a), Flat(b))
}

func isFloat32(t *tensors.Tensor) bool {
	return t.DType() == dtypes.Float32
}

func size(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
