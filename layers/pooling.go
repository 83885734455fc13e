package layers

import (
	"fmt"

	"github.com/caljoseph/photochrom-ai/tensor"
)

// MaxPool2DLayer is a 2x2 max pool with stride 2. Inputs must have even
// spatial dimensions.
type MaxPool2DLayer struct {
	name     string
	training bool

	inputShape []int
	argmax     []int32 // flat input offset of each output's maximum
}

func NewMaxPool2D(name string) *MaxPool2DLayer {
	return &MaxPool2DLayer{name: name}
}

func (p *MaxPool2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkNCHW(p.name, x, 0); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if h%2 != 0 || w%2 != 0 {
		return nil, fmt.Errorf("%w: %s needs even spatial size, got %dx%d", ErrShapeMismatch, p.name, h, w)
	}
	oh, ow := h/2, w/2
	out := tensor.Zeros(n, c, oh, ow)
	var argmax []int32
	if p.training {
		argmax = make([]int32, len(out.Data))
	}

	for plane := 0; plane < n*c; plane++ {
		src := plane * h * w
		dst := plane * oh * ow
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				corner := src + 2*y*w + 2*xx
				best := corner
				for _, off := range [3]int{1, w, w + 1} {
					if x.Data[corner+off] > x.Data[best] {
						best = corner + off
					}
				}
				out.Data[dst+y*ow+xx] = x.Data[best]
				if argmax != nil {
					argmax[dst+y*ow+xx] = int32(best)
				}
			}
		}
	}

	if p.training {
		p.inputShape = append([]int(nil), x.Shape...)
		p.argmax = argmax
	} else {
		p.inputShape, p.argmax = nil, nil
	}
	return out, nil
}

func (p *MaxPool2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, fmt.Errorf("%s: %w", p.name, errNoForward)
	}
	if len(gradOut.Data) != len(p.argmax) {
		return nil, fmt.Errorf("%w: %s gradient %v for input %v", ErrShapeMismatch, p.name, gradOut.Shape, p.inputShape)
	}
	gradIn := tensor.Zeros(p.inputShape...)
	for i, idx := range p.argmax {
		gradIn.Data[idx] += gradOut.Data[i]
	}
	return gradIn, nil
}

func (p *MaxPool2DLayer) Parameters() []*Parameter { return nil }

func (p *MaxPool2DLayer) SetTraining(training bool) {
	p.training = training
	if !training {
		p.inputShape, p.argmax = nil, nil
	}
}

func (p *MaxPool2DLayer) Spec() LayerSpec {
	return LayerSpec{
		Type:       MaxPool2D,
		Name:       p.name,
		Parameters: map[string]any{"kernel_size": 2, "stride": 2},
	}
}
