package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/caljoseph/photochrom-ai/tensor"
	"golang.org/x/image/draw"
)

// ImageProcessor loads images and resizes them to a fixed target size.
// Resizing is direct (aspect ratio not preserved) with Catmull-Rom
// interpolation. It is safe for concurrent use.
type ImageProcessor struct {
	height, width int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(height, width int) *ImageProcessor {
	return &ImageProcessor{height: height, width: width}
}

// Size returns the target height and width.
func (p *ImageProcessor) Size() (int, int) {
	return p.height, p.width
}

// LoadGray decodes an image, converts it to one channel and resizes it.
// The result has shape (1,H,W) with values in [0,1].
func (p *ImageProcessor) LoadGray(path string) (*tensor.Tensor, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	dst := image.NewGray(image.Rect(0, 0, p.width, p.height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), toGray(img), img.Bounds(), draw.Src, nil)
	return GrayToTensor(dst), nil
}

// LoadRGB decodes an image, converts it to RGB and resizes it. The result
// has shape (3,H,W) with values in [0,1].
func (p *ImageProcessor) LoadRGB(path string) (*tensor.Tensor, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	return RGBToTensor(Resize(img, p.width, p.height)), nil
}

// LoadImage opens and decodes a JPEG or PNG file.
func LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to width x height with Catmull-Rom interpolation.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// toGray converts to 8-bit luma first, so resampling happens on the
// grayscale values.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return g
}

// GrayToTensor converts a grayscale image into a (1,H,W) tensor in [0,1].
func GrayToTensor(img *image.Gray) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	t := tensor.Zeros(1, h, w)
	for y := 0; y < h; y++ {
		start := img.PixOffset(b.Min.X, b.Min.Y+y)
		row := img.Pix[start : start+w]
		for x, v := range row {
			t.Data[y*w+x] = float32(v) / 255
		}
	}
	return t
}

// RGBToTensor converts an image into a (3,H,W) tensor in [0,1] (CHW layout).
func RGBToTensor(img *image.RGBA) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	t := tensor.Zeros(3, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			idx := y*w + x
			t.Data[idx] = float32(img.Pix[o]) / 255
			t.Data[plane+idx] = float32(img.Pix[o+1]) / 255
			t.Data[2*plane+idx] = float32(img.Pix[o+2]) / 255
		}
	}
	return t
}

// ToImage converts a (3,H,W) RGB tensor in [0,1] into an image. Values are
// clamped.
func ToImage(rgb *tensor.Tensor) (*image.RGBA, error) {
	if rgb.Dims() != 3 || rgb.Shape[0] != 3 {
		return nil, fmt.Errorf("expected RGB (3,H,W), got %v", rgb.Shape)
	}
	h, w := rgb.Shape[1], rgb.Shape[2]
	plane := h * w
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < plane; i++ {
		o := 4 * i
		img.Pix[o] = toByte(rgb.Data[i])
		img.Pix[o+1] = toByte(rgb.Data[plane+i])
		img.Pix[o+2] = toByte(rgb.Data[2*plane+i])
		img.Pix[o+3] = 255
	}
	return img, nil
}

// LightnessImage renders a (1,H,W) lightness plane in [0,100] as grayscale.
func LightnessImage(l *tensor.Tensor) (*image.Gray, error) {
	if l.Dims() != 3 || l.Shape[0] != 1 {
		return nil, fmt.Errorf("expected lightness (1,H,W), got %v", l.Shape)
	}
	h, w := l.Shape[1], l.Shape[2]
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range l.Data {
		img.Pix[i] = toByte(v / LightnessScale)
	}
	return img, nil
}

func toByte(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
