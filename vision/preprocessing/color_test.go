package preprocessing

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/tensor"
)

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.New(shape, data)
	if err != nil {
		t.Fatalf("tensor.New failed: %v", err)
	}
	return out
}

func TestEncodePureRed(t *testing.T) {
	rgb := mustTensor(t, []int{3, 1, 1}, []float32{1, 0, 0})
	gray := mustTensor(t, []int{1, 1, 1}, []float32{0.5})

	l, ab, err := Encode(rgb, gray)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if l.Data[0] != 50 {
		t.Errorf("L = %v, want 50", l.Data[0])
	}
	// sRGB red is Lab(53.24, 80.09, 67.20).
	if math.Abs(float64(ab.Data[0])-80.09/128) > 0.01 {
		t.Errorf("a = %v, want about %v", ab.Data[0], 80.09/128)
	}
	if math.Abs(float64(ab.Data[1])-67.20/128) > 0.01 {
		t.Errorf("b = %v, want about %v", ab.Data[1], 67.20/128)
	}
}

func TestEncodeNeutralHasNoChroma(t *testing.T) {
	rgb := tensor.Full(0.4, 3, 2, 2)
	gray := tensor.Full(0.4, 1, 2, 2)
	_, ab, err := Encode(rgb, gray)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i, v := range ab.Data {
		if math.Abs(float64(v)) > 1e-3 {
			t.Errorf("ab[%d] = %v, want 0", i, v)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	const h, w = 8, 8
	rng := rand.New(rand.NewPCG(1, 2))
	rgb := tensor.Zeros(3, h, w)
	for i := range rgb.Data {
		// Stay away from the gamut boundary where clamping is lossy.
		rgb.Data[i] = 0.1 + 0.8*rng.Float32()
	}
	lightness, err := LightnessFromRGB(rgb)
	if err != nil {
		t.Fatalf("LightnessFromRGB failed: %v", err)
	}

	l, ab, err := Encode(rgb, lightness)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	drift, err := LightnessDrift(l, rgb)
	if err != nil {
		t.Fatalf("LightnessDrift failed: %v", err)
	}
	if drift > 1e-3 {
		t.Errorf("drift = %v, want 0", drift)
	}

	back, err := Decode(l, ab)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var sum float64
	for i, v := range back.Data {
		sum += math.Abs(float64(v - rgb.Data[i]))
	}
	if mae := sum / float64(len(back.Data)); mae >= 2.0/255 {
		t.Errorf("round trip MAE = %v, want < %v", mae, 2.0/255)
	}
}

func TestDecodeClampsOutOfGamut(t *testing.T) {
	l := mustTensor(t, []int{1, 1, 2}, []float32{100, 0})
	ab := mustTensor(t, []int{2, 1, 2}, []float32{1, -1, 1, -1})
	rgb, err := Decode(l, ab)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	for i, v := range rgb.Data {
		if v < 0 || v > 1 {
			t.Errorf("rgb[%d] = %v outside [0,1]", i, v)
		}
	}
}

func TestCodecShapeMismatch(t *testing.T) {
	if _, _, err := Encode(tensor.Zeros(3, 4, 4), tensor.Zeros(1, 4, 5)); !errors.Is(err, layers.ErrShapeMismatch) {
		t.Errorf("Encode: expected ErrShapeMismatch, got %v", err)
	}
	if _, _, err := Encode(tensor.Zeros(1, 4, 4), tensor.Zeros(1, 4, 4)); !errors.Is(err, layers.ErrShapeMismatch) {
		t.Errorf("Encode with gray as RGB: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := Decode(tensor.Zeros(1, 4, 4), tensor.Zeros(3, 4, 4)); !errors.Is(err, layers.ErrShapeMismatch) {
		t.Errorf("Decode: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := LightnessDrift(tensor.Zeros(1, 2, 2), tensor.Zeros(3, 4, 4)); !errors.Is(err, layers.ErrShapeMismatch) {
		t.Errorf("LightnessDrift: expected ErrShapeMismatch, got %v", err)
	}
}
