package training

import (
	"errors"
	"math"
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

func TestL1Loss(t *testing.T) {
	t.Run("Basic L1 computation", func(t *testing.T) {
		predicted := mustTensor(t, []int{2, 2}, []float32{1.0, 2.0, 3.0, 4.0})
		target := mustTensor(t, []int{2, 2}, []float32{1.5, 2.5, 2.0, 4.0})

		loss, err := NewL1Loss("mean").Forward(predicted, target)
		if err != nil {
			t.Fatalf("L1 forward failed: %v", err)
		}
		// (0.5 + 0.5 + 1.0 + 0) / 4
		if math.Abs(float64(loss-0.5)) > 1e-6 {
			t.Errorf("Expected loss 0.5, got %.6f", loss)
		}
	})

	t.Run("L1 backward pass", func(t *testing.T) {
		predicted := mustTensor(t, []int{1, 4}, []float32{1.0, 2.0, 3.0, 4.0})
		target := mustTensor(t, []int{1, 4}, []float32{1.5, 1.5, 3.0, 0.0})

		grad, err := NewL1Loss("mean").Backward(predicted, target)
		if err != nil {
			t.Fatalf("L1 backward failed: %v", err)
		}
		expected := []float32{-0.25, 0.25, 0, 0.25}
		for i, want := range expected {
			if grad.Data[i] != want {
				t.Errorf("Gradient[%d]: expected %.4f, got %.4f", i, want, grad.Data[i])
			}
		}
	})

	t.Run("L1 with sum reduction", func(t *testing.T) {
		predicted := mustTensor(t, []int{2}, []float32{1.0, -2.0})
		target := mustTensor(t, []int{2}, []float32{0.0, 0.0})
		loss, _ := NewL1Loss("sum").Forward(predicted, target)
		if loss != 3 {
			t.Errorf("Expected loss 3, got %v", loss)
		}
	})
}

func TestLossShapeMismatch(t *testing.T) {
	a := tensor.Zeros(1, 2, 2, 2)
	b := tensor.Zeros(1, 2, 2, 1)
	for _, loss := range []Loss{NewL1Loss(""), NewL1Loss("sum")} {
		if _, err := loss.Forward(a, b); !errors.Is(err, layers.ErrShapeMismatch) {
			t.Errorf("%s Forward: expected ErrShapeMismatch, got %v", loss.Name(), err)
		}
		if _, err := loss.Backward(a, b); !errors.Is(err, layers.ErrShapeMismatch) {
			t.Errorf("%s Backward: expected ErrShapeMismatch, got %v", loss.Name(), err)
		}
	}
}
