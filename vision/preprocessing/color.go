package preprocessing

import (
	"fmt"

	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/tensor"
	"github.com/lucasb-eyer/go-colorful"
)

// Normalization contract between images and the network:
//
//	L  = gray · 100          in [0, 100]
//	ab = Lab(rgb).ab / 128   in roughly [-1, 1]
//
// Lab uses the D65 white point and sRGB companding. go-colorful reports L in
// [0,1] and a,b at 1/100 of the conventional scale, hence the factors below.
const (
	LightnessScale = 100.0
	ChromaScale    = 128.0

	colorfulScale = 100.0
)

// Encode converts an RGB image (3,H,W) and a grayscale image (1,H,W), both
// in [0,1], into the network's lightness input and chrominance target. The
// lightness comes from the grayscale image, not from the RGB one.
func Encode(rgb, gray *tensor.Tensor) (l, ab *tensor.Tensor, err error) {
	h, w, err := checkPlanes(rgb, gray)
	if err != nil {
		return nil, nil, err
	}
	plane := h * w

	l = tensor.Zeros(1, h, w)
	for i, v := range gray.Data {
		l.Data[i] = v * LightnessScale
	}

	ab = tensor.Zeros(2, h, w)
	for i := 0; i < plane; i++ {
		c := colorful.Color{
			R: float64(rgb.Data[i]),
			G: float64(rgb.Data[plane+i]),
			B: float64(rgb.Data[2*plane+i]),
		}
		_, a, b := c.Lab()
		ab.Data[i] = float32(a * colorfulScale / ChromaScale)
		ab.Data[plane+i] = float32(b * colorfulScale / ChromaScale)
	}
	return l, ab, nil
}

// Decode reconstructs an RGB image in [0,1] from lightness (1,H,W) in
// [0,100] and normalized chrominance (2,H,W). Out-of-gamut colors are
// clamped, so the inverse is lossy for them.
func Decode(l, ab *tensor.Tensor) (*tensor.Tensor, error) {
	if l.Dims() != 3 || l.Shape[0] != 1 || ab.Dims() != 3 || ab.Shape[0] != 2 ||
		l.Shape[1] != ab.Shape[1] || l.Shape[2] != ab.Shape[2] {
		return nil, fmt.Errorf("%w: decode expects L (1,H,W) and ab (2,H,W), got %v and %v", layers.ErrShapeMismatch, l.Shape, ab.Shape)
	}
	h, w := l.Shape[1], l.Shape[2]
	plane := h * w

	rgb := tensor.Zeros(3, h, w)
	for i := 0; i < plane; i++ {
		c := colorful.Lab(
			float64(l.Data[i])/colorfulScale,
			float64(ab.Data[i])*ChromaScale/colorfulScale,
			float64(ab.Data[plane+i])*ChromaScale/colorfulScale,
		).Clamped()
		rgb.Data[i] = float32(c.R)
		rgb.Data[plane+i] = float32(c.G)
		rgb.Data[2*plane+i] = float32(c.B)
	}
	return rgb, nil
}

// LightnessFromRGB returns the CIE lightness of an RGB image (3,H,W) as a
// (1,H,W) plane in [0,1].
func LightnessFromRGB(rgb *tensor.Tensor) (*tensor.Tensor, error) {
	if rgb.Dims() != 3 || rgb.Shape[0] != 3 {
		return nil, fmt.Errorf("%w: expected RGB (3,H,W), got %v", layers.ErrShapeMismatch, rgb.Shape)
	}
	h, w := rgb.Shape[1], rgb.Shape[2]
	plane := h * w
	out := tensor.Zeros(1, h, w)
	for i := 0; i < plane; i++ {
		c := colorful.Color{R: float64(rgb.Data[i]), G: float64(rgb.Data[plane+i]), B: float64(rgb.Data[2*plane+i])}
		lightness, _, _ := c.Lab()
		out.Data[i] = float32(lightness)
	}
	return out, nil
}

// LightnessDrift is the mean absolute difference, in L units, between the
// lightness taken from a grayscale image and the lightness of the RGB image.
func LightnessDrift(l, rgb *tensor.Tensor) (float64, error) {
	fromRGB, err := LightnessFromRGB(rgb)
	if err != nil {
		return 0, err
	}
	if !tensor.ShapesEqual(l.Shape, fromRGB.Shape) {
		return 0, fmt.Errorf("%w: lightness %v vs RGB %v", layers.ErrShapeMismatch, l.Shape, rgb.Shape)
	}
	var sum float64
	for i, v := range l.Data {
		d := float64(v) - float64(fromRGB.Data[i])*LightnessScale
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(l.Data)), nil
}

func checkPlanes(rgb, gray *tensor.Tensor) (h, w int, err error) {
	if rgb.Dims() != 3 || rgb.Shape[0] != 3 {
		return 0, 0, fmt.Errorf("%w: expected RGB (3,H,W), got %v", layers.ErrShapeMismatch, rgb.Shape)
	}
	if gray.Dims() != 3 || gray.Shape[0] != 1 {
		return 0, 0, fmt.Errorf("%w: expected grayscale (1,H,W), got %v", layers.ErrShapeMismatch, gray.Shape)
	}
	if rgb.Shape[1] != gray.Shape[1] || rgb.Shape[2] != gray.Shape[2] {
		return 0, 0, fmt.Errorf("%w: RGB %v and grayscale %v differ in size", layers.ErrShapeMismatch, rgb.Shape, gray.Shape)
	}
	return rgb.Shape[1], rgb.Shape[2], nil
}
