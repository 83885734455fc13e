package tensor

import (
	"fmt"
	"math/rand/v2"
)

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("%w: data length %d does not match shape %v (%d elements)", ErrShape, len(data), shape, numElems)
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    data,
	}, nil
}

// Zeros allocates a zero-filled tensor. It panics on a non-positive dimension,
// which is always a programming error at the call sites in this module.
func Zeros(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(err)
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    make([]float32, calculateNumElements(shape)),
	}
}

// ZerosLike allocates a zero tensor with t's shape.
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape...)
}

// Full allocates a tensor filled with value.
func Full(value float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// Uniform fills a new tensor with values drawn from U(-bound, bound).
func Uniform(rng *rand.Rand, bound float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * bound
	}
	return t
}
