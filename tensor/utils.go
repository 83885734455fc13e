package tensor

import (
	"fmt"
	"math"
)

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := append([]int(nil), newShape...)
	known := 1
	inferIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferIdx >= 0 {
				return nil, fmt.Errorf("%w: only one dimension can be -1", ErrShape)
			}
			inferIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("%w: dimension %d has size %d", ErrShape, i, dim)
		default:
			known *= dim
		}
	}
	if inferIdx >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer dimension for %d elements into %v", ErrShape, len(t.Data), newShape)
		}
		shape[inferIdx] = len(t.Data) / known
		known *= shape[inferIdx]
	}
	if known != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v (%d elements) into %v", ErrShape, t.Shape, len(t.Data), shape)
	}
	return &Tensor{Shape: shape, Strides: calculateStrides(shape), Data: t.Data}, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
		Data:    data,
	}
}

// Item returns a view of the i-th element along the leading dimension. The
// view shares storage with t.
func (t *Tensor) Item(i int) *Tensor {
	inner := t.Shape[1:]
	size := calculateNumElements(inner)
	return &Tensor{
		Shape:   append([]int(nil), inner...),
		Strides: calculateStrides(inner),
		Data:    t.Data[i*size : (i+1)*size],
	}
}

// Stack joins same-shaped tensors along a new leading dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	first := items[0]
	shape := append([]int{len(items)}, first.Shape...)
	out := Zeros(shape...)
	size := len(first.Data)
	for i, item := range items {
		if !item.SameShape(first) {
			return nil, fmt.Errorf("%w: stack item %d has shape %v, want %v", ErrShape, i, item.Shape, first.Shape)
		}
		copy(out.Data[i*size:(i+1)*size], item.Data)
	}
	return out, nil
}

// ConcatChannels concatenates two NCHW tensors along the channel axis.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if a.Dims() != 4 || b.Dims() != 4 {
		return nil, fmt.Errorf("%w: concat expects 4-d tensors, got %v and %v", ErrShape, a.Shape, b.Shape)
	}
	n, ca, h, w := a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	cb := b.Shape[1]
	if b.Shape[0] != n || b.Shape[2] != h || b.Shape[3] != w {
		return nil, fmt.Errorf("%w: concat of %v and %v", ErrShape, a.Shape, b.Shape)
	}
	out := Zeros(n, ca+cb, h, w)
	plane := h * w
	for i := 0; i < n; i++ {
		dst := out.Data[i*(ca+cb)*plane:]
		copy(dst[:ca*plane], a.Data[i*ca*plane:(i+1)*ca*plane])
		copy(dst[ca*plane:(ca+cb)*plane], b.Data[i*cb*plane:(i+1)*cb*plane])
	}
	return out, nil
}

// SplitChannels is the inverse of ConcatChannels: it splits t after the first
// ca channels.
func SplitChannels(t *Tensor, ca int) (*Tensor, *Tensor, error) {
	if t.Dims() != 4 || ca <= 0 || ca >= t.Shape[1] {
		return nil, nil, fmt.Errorf("%w: cannot split %v at channel %d", ErrShape, t.Shape, ca)
	}
	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	cb := c - ca
	a := Zeros(n, ca, h, w)
	b := Zeros(n, cb, h, w)
	plane := h * w
	for i := 0; i < n; i++ {
		src := t.Data[i*c*plane:]
		copy(a.Data[i*ca*plane:(i+1)*ca*plane], src[:ca*plane])
		copy(b.Data[i*cb*plane:(i+1)*cb*plane], src[ca*plane:c*plane])
	}
	return a, b, nil
}

// AddInPlace accumulates other into t.
func (t *Tensor) AddInPlace(other *Tensor) error {
	if !t.SameShape(other) {
		return fmt.Errorf("%w: add %v to %v", ErrShape, other.Shape, t.Shape)
	}
	for i, v := range other.Data {
		t.Data[i] += v
	}
	return nil
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// MinMax returns the smallest and largest element.
func (t *Tensor) MinMax() (float32, float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// AllClose reports whether t and other have the same shape and every pair of
// elements differs by at most tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !t.SameShape(other) {
		return false
	}
	for i, v := range t.Data {
		if math.Abs(float64(v-other.Data[i])) > tol {
			return false
		}
	}
	return true
}
