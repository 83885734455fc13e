package models

import (
	"errors"
	"fmt"
	"sort"

	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/tensor"
)

// ErrUnknownModelVariant is returned by New for a tag outside the registry.
var ErrUnknownModelVariant = errors.New("models: unknown model variant")

// Network maps a (B,1,H,W) lightness batch to (B,2,H,W) chrominance and can
// propagate gradients back through itself.
type Network interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*layers.Parameter
	SetTraining(training bool)
	Spec() *layers.ModelSpec
}

type constructor func(opts Options) (Network, error)

var registry = map[string]constructor{
	"unet": func(opts Options) (Network, error) { return NewUNet("unet", opts) },
}

// New constructs the network registered under name.
func New(name string, opts Options) (Network, error) {
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownModelVariant, name, Variants())
	}
	return build(opts)
}

// Variants lists the registered tags in sorted order.
func Variants() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
