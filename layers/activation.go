package layers

import (
	"fmt"

	"github.com/caljoseph/photochrom-ai/tensor"
)

// ReLULayer applies max(0, x) elementwise.
type ReLULayer struct {
	name     string
	training bool
	output   *tensor.Tensor
}

func NewReLU(name string) *ReLULayer {
	return &ReLULayer{name: name}
}

func (r *ReLULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	if r.training {
		r.output = out
	} else {
		r.output = nil
	}
	return out, nil
}

func (r *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, fmt.Errorf("%s: %w", r.name, errNoForward)
	}
	if !gradOut.SameShape(r.output) {
		return nil, fmt.Errorf("%w: %s gradient %v for output %v", ErrShapeMismatch, r.name, gradOut.Shape, r.output.Shape)
	}
	gradIn := tensor.ZerosLike(gradOut)
	for i, v := range r.output.Data {
		if v > 0 {
			gradIn.Data[i] = gradOut.Data[i]
		}
	}
	return gradIn, nil
}

func (r *ReLULayer) Parameters() []*Parameter { return nil }

func (r *ReLULayer) SetTraining(training bool) {
	r.training = training
	if !training {
		r.output = nil
	}
}

func (r *ReLULayer) Spec() LayerSpec {
	return LayerSpec{Type: ReLU, Name: r.name}
}
