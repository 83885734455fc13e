package layers

import (
	"errors"
	"fmt"

	"github.com/caljoseph/photochrom-ai/tensor"
)

// ErrShapeMismatch reports an input whose channel count or spatial size does
// not fit a layer. It always indicates misconfiguration.
var ErrShapeMismatch = errors.New("layers: shape mismatch")

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	ReLU
	MaxPool2D
	Upsample
	Concat
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Upsample:
		return "Upsample"
	case Concat:
		return "Concat"
	default:
		return "Unknown"
	}
}

// LayerSpec describes one node of a network graph. It carries no execution
// logic and is what checkpoints, summaries and the ONNX exporter consume.
type LayerSpec struct {
	Type       LayerType      `json:"type"`
	Name       string         `json:"name"`
	Inputs     []string       `json:"inputs,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// ParameterNames and ParameterShapes are parallel: one entry per learnable tensor.
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
}

// IntParam reads an integer parameter. JSON round trips turn ints into
// float64, so both are accepted.
func (ls LayerSpec) IntParam(key string) (int, bool) {
	switch v := ls.Parameters[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// ParameterCount returns the number of learnable scalars in the node.
func (ls LayerSpec) ParameterCount() int64 {
	var total int64
	for _, shape := range ls.ParameterShapes {
		n := int64(1)
		for _, d := range shape {
			n *= int64(d)
		}
		total += n
	}
	return total
}

// ModelSpec describes a complete network as a topologically ordered graph.
type ModelSpec struct {
	Name           string      `json:"name"`
	Layers         []LayerSpec `json:"layers"`
	Input          string      `json:"input"`
	Output         string      `json:"output"`
	InputChannels  int         `json:"input_channels"`
	OutputChannels int         `json:"output_channels"`
}

// TotalParameters sums ParameterCount over all nodes.
func (ms *ModelSpec) TotalParameters() int64 {
	var total int64
	for _, l := range ms.Layers {
		total += l.ParameterCount()
	}
	return total
}

// Compatible reports whether other describes the same architecture: same
// nodes, wiring and parameter shapes.
func (ms *ModelSpec) Compatible(other *ModelSpec) error {
	if other == nil {
		return fmt.Errorf("%w: missing model spec", ErrShapeMismatch)
	}
	if len(ms.Layers) != len(other.Layers) {
		return fmt.Errorf("%w: %d layers, expected %d", ErrShapeMismatch, len(other.Layers), len(ms.Layers))
	}
	for i, l := range ms.Layers {
		o := other.Layers[i]
		if l.Type != o.Type || l.Name != o.Name {
			return fmt.Errorf("%w: layer %d is %s %q, expected %s %q", ErrShapeMismatch, i, o.Type, o.Name, l.Type, l.Name)
		}
		if len(l.ParameterShapes) != len(o.ParameterShapes) {
			return fmt.Errorf("%w: layer %q has %d parameters, expected %d", ErrShapeMismatch, l.Name, len(o.ParameterShapes), len(l.ParameterShapes))
		}
		for j, shape := range l.ParameterShapes {
			if !tensor.ShapesEqual(shape, o.ParameterShapes[j]) {
				return fmt.Errorf("%w: layer %q parameter %d has shape %v, expected %v", ErrShapeMismatch, l.Name, j, o.ParameterShapes[j], shape)
			}
		}
	}
	return nil
}

// Parameter is a learnable tensor together with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParameter(name string, value *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value, Grad: tensor.ZerosLike(value)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Fill(0)
}

// Layer is a differentiable operation with an explicit backward pass.
// Forward caches what Backward needs only while the layer is in training mode.
type Layer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	SetTraining(training bool)
	Spec() LayerSpec
}

var errNoForward = errors.New("layers: backward called without a training-mode forward pass")

func checkNCHW(name string, x *tensor.Tensor, channels int) error {
	if x.Dims() != 4 {
		return fmt.Errorf("%w: %s expects NCHW input, got shape %v", ErrShapeMismatch, name, x.Shape)
	}
	if channels > 0 && x.Shape[1] != channels {
		return fmt.Errorf("%w: %s expects %d channels, got %d", ErrShapeMismatch, name, channels, x.Shape[1])
	}
	return nil
}
