package layers

import (
	"fmt"

	"github.com/caljoseph/photochrom-ai/tensor"
)

// UpsampleLayer doubles the spatial size with bilinear interpolation using
// half-pixel centers (corners not aligned).
type UpsampleLayer struct {
	name     string
	training bool

	inputShape []int
}

func NewUpsample(name string) *UpsampleLayer {
	return &UpsampleLayer{name: name}
}

// axisTap is the source pair and weights for one output coordinate.
type axisTap struct {
	i0, i1 int
	w0, w1 float32
}

// bilinearTaps computes the 2x taps for an axis of length in:
// src = (o+0.5)/2 - 0.5 clamped at zero, neighbour clamped at in-1.
func bilinearTaps(in int) []axisTap {
	taps := make([]axisTap, 2*in)
	for o := range taps {
		src := (float32(o)+0.5)/2 - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(src)
		i1 := i0 + 1
		if i1 > in-1 {
			i1 = in - 1
		}
		l1 := src - float32(i0)
		taps[o] = axisTap{i0: i0, i1: i1, w0: 1 - l1, w1: l1}
	}
	return taps
}

func (u *UpsampleLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkNCHW(u.name, x, 0); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := 2*h, 2*w
	ys, xs := bilinearTaps(h), bilinearTaps(w)
	out := tensor.Zeros(n, c, oh, ow)

	for plane := 0; plane < n*c; plane++ {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*oh*ow : (plane+1)*oh*ow]
		for oy, ty := range ys {
			r0 := src[ty.i0*w : (ty.i0+1)*w]
			r1 := src[ty.i1*w : (ty.i1+1)*w]
			for ox, tx := range xs {
				top := tx.w0*r0[tx.i0] + tx.w1*r0[tx.i1]
				bottom := tx.w0*r1[tx.i0] + tx.w1*r1[tx.i1]
				dst[oy*ow+ox] = ty.w0*top + ty.w1*bottom
			}
		}
	}

	if u.training {
		u.inputShape = append([]int(nil), x.Shape...)
	} else {
		u.inputShape = nil
	}
	return out, nil
}

func (u *UpsampleLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if u.inputShape == nil {
		return nil, fmt.Errorf("%s: %w", u.name, errNoForward)
	}
	n, c, h, w := u.inputShape[0], u.inputShape[1], u.inputShape[2], u.inputShape[3]
	oh, ow := 2*h, 2*w
	if !tensor.ShapesEqual(gradOut.Shape, []int{n, c, oh, ow}) {
		return nil, fmt.Errorf("%w: %s gradient %v for input %v", ErrShapeMismatch, u.name, gradOut.Shape, u.inputShape)
	}
	ys, xs := bilinearTaps(h), bilinearTaps(w)
	gradIn := tensor.Zeros(u.inputShape...)

	for plane := 0; plane < n*c; plane++ {
		g := gradOut.Data[plane*oh*ow : (plane+1)*oh*ow]
		dst := gradIn.Data[plane*h*w : (plane+1)*h*w]
		for oy, ty := range ys {
			for ox, tx := range xs {
				v := g[oy*ow+ox]
				dst[ty.i0*w+tx.i0] += ty.w0 * tx.w0 * v
				dst[ty.i0*w+tx.i1] += ty.w0 * tx.w1 * v
				dst[ty.i1*w+tx.i0] += ty.w1 * tx.w0 * v
				dst[ty.i1*w+tx.i1] += ty.w1 * tx.w1 * v
			}
		}
	}
	return gradIn, nil
}

func (u *UpsampleLayer) Parameters() []*Parameter { return nil }

func (u *UpsampleLayer) SetTraining(training bool) {
	u.training = training
	if !training {
		u.inputShape = nil
	}
}

func (u *UpsampleLayer) Spec() LayerSpec {
	return LayerSpec{
		Type:       Upsample,
		Name:       u.name,
		Parameters: map[string]any{"scale_factor": 2, "mode": "bilinear", "align_corners": false},
	}
}
