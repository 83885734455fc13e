package layers

import (
	"github.com/caljoseph/photochrom-ai/tensor"
)

// Sequential chains layers, feeding each output into the next.
type Sequential struct {
	Layers []Layer
}

func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, l := range s.Layers {
		if x, err = l.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s *Sequential) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s.Layers) - 1; i >= 0; i-- {
		if gradOut, err = s.Layers[i].Backward(gradOut); err != nil {
			return nil, err
		}
	}
	return gradOut, nil
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range s.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s *Sequential) SetTraining(training bool) {
	for _, l := range s.Layers {
		l.SetTraining(training)
	}
}

// Specs returns the node specs of the chain wired from input. The second
// result names the last node, which is the chain's output.
func (s *Sequential) Specs(input string) ([]LayerSpec, string) {
	specs := make([]LayerSpec, 0, len(s.Layers))
	prev := input
	for _, l := range s.Layers {
		spec := l.Spec()
		spec.Inputs = []string{prev}
		specs = append(specs, spec)
		prev = spec.Name
	}
	return specs, prev
}
