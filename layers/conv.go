package layers

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/caljoseph/photochrom-ai/tensor"
)

// Conv2DLayer is a stride-1 convolution with "same" zero padding. The
// convolution is lowered to a matrix product through im2col.
type Conv2DLayer struct {
	name        string
	inChannels  int
	outChannels int
	kernel      int
	padding     int

	weight *Parameter // [out, in, k, k]
	bias   *Parameter // [out]

	training bool
	input    *tensor.Tensor
}

// NewConv2D creates a convolution with odd kernel size k. Weights and biases
// are drawn from U(-1/sqrt(fan_in), 1/sqrt(fan_in)).
func NewConv2D(name string, inChannels, outChannels, kernel int, rng *rand.Rand) (*Conv2DLayer, error) {
	if inChannels <= 0 || outChannels <= 0 {
		return nil, fmt.Errorf("%w: %s: channels must be positive (in=%d out=%d)", ErrShapeMismatch, name, inChannels, outChannels)
	}
	if kernel <= 0 || kernel%2 == 0 {
		return nil, fmt.Errorf("%w: %s: kernel size must be odd, got %d", ErrShapeMismatch, name, kernel)
	}
	fanIn := inChannels * kernel * kernel
	bound := float32(1 / math.Sqrt(float64(fanIn)))
	return &Conv2DLayer{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernel:      kernel,
		padding:     (kernel - 1) / 2,
		weight:      newParameter(name+".weight", tensor.Uniform(rng, bound, outChannels, inChannels, kernel, kernel)),
		bias:        newParameter(name+".bias", tensor.Uniform(rng, bound, outChannels)),
	}, nil
}

func (c *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkNCHW(c.name, x, c.inChannels); err != nil {
		return nil, err
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	hw := h * w
	rows := c.inChannels * c.kernel * c.kernel

	out := tensor.Zeros(n, c.outChannels, h, w)
	pool := tensor.Scratch()
	col := pool.Get(rows * hw)
	defer pool.Put(col)
	weights := tensor.Matrix{Rows: c.outChannels, Cols: rows, Data: c.weight.Value.Data}
	for i := 0; i < n; i++ {
		c.im2col(x.Item(i).Data, h, w, col)
		dst := out.Data[i*c.outChannels*hw : (i+1)*c.outChannels*hw]
		tensor.Gemm(false, false, 1, weights, tensor.Matrix{Rows: rows, Cols: hw, Data: col}, 0, tensor.Matrix{Rows: c.outChannels, Cols: hw, Data: dst})
		for o := 0; o < c.outChannels; o++ {
			b := c.bias.Value.Data[o]
			plane := dst[o*hw : (o+1)*hw]
			for j := range plane {
				plane[j] += b
			}
		}
	}

	if c.training {
		c.input = x
	} else {
		c.input = nil
	}
	return out, nil
}

func (c *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("%s: %w", c.name, errNoForward)
	}
	x := c.input
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	if err := checkNCHW(c.name+" gradient", gradOut, c.outChannels); err != nil {
		return nil, err
	}
	if gradOut.Shape[0] != n || gradOut.Shape[2] != h || gradOut.Shape[3] != w {
		return nil, fmt.Errorf("%w: %s gradient has shape %v for input %v", ErrShapeMismatch, c.name, gradOut.Shape, x.Shape)
	}
	hw := h * w
	rows := c.inChannels * c.kernel * c.kernel

	gradIn := tensor.ZerosLike(x)
	pool := tensor.Scratch()
	col := pool.Get(rows * hw)
	defer pool.Put(col)
	dcol := pool.Get(rows * hw)
	defer pool.Put(dcol)
	weights := tensor.Matrix{Rows: c.outChannels, Cols: rows, Data: c.weight.Value.Data}
	dWeights := tensor.Matrix{Rows: c.outChannels, Cols: rows, Data: c.weight.Grad.Data}
	for i := 0; i < n; i++ {
		g := tensor.Matrix{Rows: c.outChannels, Cols: hw, Data: gradOut.Data[i*c.outChannels*hw : (i+1)*c.outChannels*hw]}

		c.im2col(x.Item(i).Data, h, w, col)
		tensor.Gemm(false, true, 1, g, tensor.Matrix{Rows: rows, Cols: hw, Data: col}, 1, dWeights)

		for o := 0; o < c.outChannels; o++ {
			var sum float32
			for _, v := range g.Data[o*hw : (o+1)*hw] {
				sum += v
			}
			c.bias.Grad.Data[o] += sum
		}

		tensor.Gemm(true, false, 1, weights, g, 0, tensor.Matrix{Rows: rows, Cols: hw, Data: dcol})
		c.col2im(dcol, h, w, gradIn.Item(i).Data)
	}
	return gradIn, nil
}

// im2col unrolls one CHW sample into a (C*k*k) x (H*W) matrix. Row
// (ci*k+ki)*k+kj holds input pixel (ci, y+ki-pad, x+kj-pad) for each output
// position, or zero outside the image.
func (c *Conv2DLayer) im2col(src []float32, h, w int, col []float32) {
	hw := h * w
	k := c.kernel
	for ci := 0; ci < c.inChannels; ci++ {
		channel := src[ci*hw : (ci+1)*hw]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := col[((ci*k+ki)*k+kj)*hw:]
				for y := 0; y < h; y++ {
					iy := y + ki - c.padding
					dst := row[y*w : (y+1)*w]
					if iy < 0 || iy >= h {
						clear(dst)
						continue
					}
					for xx := 0; xx < w; xx++ {
						ix := xx + kj - c.padding
						if ix < 0 || ix >= w {
							dst[xx] = 0
						} else {
							dst[xx] = channel[iy*w+ix]
						}
					}
				}
			}
		}
	}
}

// col2im scatters a column matrix back into image layout, summing overlaps.
func (c *Conv2DLayer) col2im(col []float32, h, w int, dst []float32) {
	hw := h * w
	k := c.kernel
	for ci := 0; ci < c.inChannels; ci++ {
		channel := dst[ci*hw : (ci+1)*hw]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := col[((ci*k+ki)*k+kj)*hw:]
				for y := 0; y < h; y++ {
					iy := y + ki - c.padding
					if iy < 0 || iy >= h {
						continue
					}
					for xx := 0; xx < w; xx++ {
						ix := xx + kj - c.padding
						if ix >= 0 && ix < w {
							channel[iy*w+ix] += row[y*w+xx]
						}
					}
				}
			}
		}
	}
}

func (c *Conv2DLayer) Parameters() []*Parameter {
	return []*Parameter{c.weight, c.bias}
}

func (c *Conv2DLayer) SetTraining(training bool) {
	c.training = training
	if !training {
		c.input = nil
	}
}

func (c *Conv2DLayer) Spec() LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: c.name,
		Parameters: map[string]any{
			"in_channels":  c.inChannels,
			"out_channels": c.outChannels,
			"kernel_size":  c.kernel,
			"padding":      c.padding,
		},
		ParameterNames:  []string{c.weight.Name, c.bias.Name},
		ParameterShapes: [][]int{c.weight.Value.Shape, c.bias.Value.Shape},
	}
}
