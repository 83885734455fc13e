package models

import (
	"fmt"
	"math/rand/v2"

	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/tensor"
)

// Graph endpoint names used in ModelSpec.
const (
	InputName  = "input"
	OutputName = "final"
)

// Options configures a network variant.
type Options struct {
	InputChannels  int
	OutputChannels int
	// Widths are the encoder block widths, shallowest first.
	Widths [3]int
	Seed   uint64
}

// DefaultOptions returns the production configuration: one lightness channel
// in, two chrominance channels out, widths 64/128/256.
func DefaultOptions() Options {
	return Options{
		InputChannels:  1,
		OutputChannels: 2,
		Widths:         [3]int{64, 128, 256},
		Seed:           42,
	}
}

// UNet is a three-level encoder/decoder with skip connections. Each level is
// a double 3x3 convolution block; the decoder upsamples bilinearly and
// concatenates the matching encoder output before its block.
type UNet struct {
	name string
	opts Options

	enc1, enc2, enc3 *layers.Sequential
	pool1, pool2     *layers.MaxPool2DLayer
	up3, up2         *layers.UpsampleLayer
	dec2, dec1       *layers.Sequential
	final            *layers.Conv2DLayer

	// Channel counts of the upsampled halves of each concat, for splitting
	// gradients on the way back.
	up3Channels, up2Channels int
}

// NewUNet builds a UNet with weights drawn from a PRNG seeded by opts.Seed.
func NewUNet(name string, opts Options) (*UNet, error) {
	for _, w := range opts.Widths {
		if w <= 0 {
			return nil, fmt.Errorf("%w: widths must be positive, got %v", layers.ErrShapeMismatch, opts.Widths)
		}
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	w1, w2, w3 := opts.Widths[0], opts.Widths[1], opts.Widths[2]

	var err error
	u := &UNet{name: name, opts: opts, up3Channels: w3, up2Channels: w2}
	if u.enc1, err = doubleConv("enc1", opts.InputChannels, w1, rng); err != nil {
		return nil, err
	}
	if u.enc2, err = doubleConv("enc2", w1, w2, rng); err != nil {
		return nil, err
	}
	if u.enc3, err = doubleConv("enc3", w2, w3, rng); err != nil {
		return nil, err
	}
	if u.dec2, err = doubleConv("dec2", w3+w2, w2, rng); err != nil {
		return nil, err
	}
	if u.dec1, err = doubleConv("dec1", w2+w1, w1, rng); err != nil {
		return nil, err
	}
	if u.final, err = layers.NewConv2D(OutputName, w1, opts.OutputChannels, 1, rng); err != nil {
		return nil, err
	}
	u.pool1 = layers.NewMaxPool2D("pool1")
	u.pool2 = layers.NewMaxPool2D("pool2")
	u.up3 = layers.NewUpsample("up3")
	u.up2 = layers.NewUpsample("up2")
	return u, nil
}

func doubleConv(prefix string, in, out int, rng *rand.Rand) (*layers.Sequential, error) {
	c1, err := layers.NewConv2D(prefix+".conv1", in, out, 3, rng)
	if err != nil {
		return nil, err
	}
	c2, err := layers.NewConv2D(prefix+".conv2", out, out, 3, rng)
	if err != nil {
		return nil, err
	}
	return layers.NewSequential(c1, layers.NewReLU(prefix+".relu1"), c2, layers.NewReLU(prefix+".relu2")), nil
}

// Forward maps (B, in, H, W) to (B, out, H, W). H and W must be divisible by 4
// so both pooling levels divide evenly.
func (u *UNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 || x.Shape[1] != u.opts.InputChannels {
		return nil, fmt.Errorf("%w: %s expects (B,%d,H,W) input, got %v", layers.ErrShapeMismatch, u.name, u.opts.InputChannels, x.Shape)
	}
	if x.Shape[2]%4 != 0 || x.Shape[3]%4 != 0 {
		return nil, fmt.Errorf("%w: %s needs height and width divisible by 4, got %dx%d", layers.ErrShapeMismatch, u.name, x.Shape[2], x.Shape[3])
	}

	e1, err := u.enc1.Forward(x)
	if err != nil {
		return nil, err
	}
	p1, err := u.pool1.Forward(e1)
	if err != nil {
		return nil, err
	}
	e2, err := u.enc2.Forward(p1)
	if err != nil {
		return nil, err
	}
	p2, err := u.pool2.Forward(e2)
	if err != nil {
		return nil, err
	}
	e3, err := u.enc3.Forward(p2)
	if err != nil {
		return nil, err
	}

	u3, err := u.up3.Forward(e3)
	if err != nil {
		return nil, err
	}
	c3, err := tensor.ConcatChannels(u3, e2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", layers.ErrShapeMismatch, err)
	}
	d2, err := u.dec2.Forward(c3)
	if err != nil {
		return nil, err
	}
	u2, err := u.up2.Forward(d2)
	if err != nil {
		return nil, err
	}
	c2, err := tensor.ConcatChannels(u2, e1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", layers.ErrShapeMismatch, err)
	}
	d1, err := u.dec1.Forward(c2)
	if err != nil {
		return nil, err
	}
	return u.final.Forward(d1)
}

// Backward propagates the loss gradient w.r.t. the output through the
// network, accumulating parameter gradients. It returns the gradient w.r.t.
// the input.
func (u *UNet) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	gd1, err := u.final.Backward(gradOut)
	if err != nil {
		return nil, err
	}
	gc2, err := u.dec1.Backward(gd1)
	if err != nil {
		return nil, err
	}
	gu2, ge1Skip, err := tensor.SplitChannels(gc2, u.up2Channels)
	if err != nil {
		return nil, err
	}
	gd2, err := u.up2.Backward(gu2)
	if err != nil {
		return nil, err
	}
	gc3, err := u.dec2.Backward(gd2)
	if err != nil {
		return nil, err
	}
	gu3, ge2Skip, err := tensor.SplitChannels(gc3, u.up3Channels)
	if err != nil {
		return nil, err
	}
	ge3, err := u.up3.Backward(gu3)
	if err != nil {
		return nil, err
	}

	gp2, err := u.enc3.Backward(ge3)
	if err != nil {
		return nil, err
	}
	ge2, err := u.pool2.Backward(gp2)
	if err != nil {
		return nil, err
	}
	if err := ge2.AddInPlace(ge2Skip); err != nil {
		return nil, err
	}
	gp1, err := u.enc2.Backward(ge2)
	if err != nil {
		return nil, err
	}
	ge1, err := u.pool1.Backward(gp1)
	if err != nil {
		return nil, err
	}
	if err := ge1.AddInPlace(ge1Skip); err != nil {
		return nil, err
	}
	return u.enc1.Backward(ge1)
}

// Parameters returns every learnable tensor in graph order.
func (u *UNet) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, block := range []*layers.Sequential{u.enc1, u.enc2, u.enc3, u.dec2, u.dec1} {
		params = append(params, block.Parameters()...)
	}
	return append(params, u.final.Parameters()...)
}

func (u *UNet) SetTraining(training bool) {
	for _, block := range []*layers.Sequential{u.enc1, u.enc2, u.enc3, u.dec2, u.dec1} {
		block.SetTraining(training)
	}
	u.pool1.SetTraining(training)
	u.pool2.SetTraining(training)
	u.up3.SetTraining(training)
	u.up2.SetTraining(training)
	u.final.SetTraining(training)
}

// Spec describes the network graph in execution order.
func (u *UNet) Spec() *layers.ModelSpec {
	var nodes []layers.LayerSpec
	chain := func(block *layers.Sequential, input string) string {
		specs, last := block.Specs(input)
		nodes = append(nodes, specs...)
		return last
	}
	single := func(l layers.Layer, inputs ...string) string {
		spec := l.Spec()
		spec.Inputs = inputs
		nodes = append(nodes, spec)
		return spec.Name
	}
	concat := func(name string, inputs ...string) string {
		nodes = append(nodes, layers.LayerSpec{
			Type:       layers.Concat,
			Name:       name,
			Inputs:     inputs,
			Parameters: map[string]any{"axis": 1},
		})
		return name
	}

	e1 := chain(u.enc1, InputName)
	e2 := chain(u.enc2, single(u.pool1, e1))
	e3 := chain(u.enc3, single(u.pool2, e2))
	d2 := chain(u.dec2, concat("cat3", single(u.up3, e3), e2))
	d1 := chain(u.dec1, concat("cat2", single(u.up2, d2), e1))
	out := single(u.final, d1)

	return &layers.ModelSpec{
		Name:           u.name,
		Layers:         nodes,
		Input:          InputName,
		Output:         out,
		InputChannels:  u.opts.InputChannels,
		OutputChannels: u.opts.OutputChannels,
	}
}
