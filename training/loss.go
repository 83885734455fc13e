package training

import (
	"fmt"

	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Name() string
	Forward(predicted, target *tensor.Tensor) (float32, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

func checkLossShapes(predicted, target *tensor.Tensor) error {
	if !predicted.SameShape(target) {
		return fmt.Errorf("%w: predicted %v vs target %v", layers.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	return nil
}

func reductionScale(reduction string, n int) float64 {
	if reduction == "mean" {
		return 1 / float64(n)
	}
	return 1
}

// L1Loss implements the mean absolute error used to train the colorizer.
type L1Loss struct {
	reduction string // "mean" or "sum"
}

// NewL1Loss creates a new absolute error loss function
func NewL1Loss(reduction string) *L1Loss {
	if reduction == "" {
		reduction = "mean"
	}
	return &L1Loss{reduction: reduction}
}

// Name implements Loss.
func (l *L1Loss) Name() string { return "l1" }

// Forward computes L = (1/N) * sum(|y_pred - y_true|)
func (l *L1Loss) Forward(predicted, target *tensor.Tensor) (float32, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, p := range predicted.Data {
		d := float64(p - target.Data[i])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return float32(sum * reductionScale(l.reduction, len(predicted.Data))), nil
}

// Backward computes the subgradient sign(y_pred - y_true) / N, taking 0 at
// equality.
func (l *L1Loss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return nil, err
	}
	scale := float32(reductionScale(l.reduction, len(predicted.Data)))
	grad := tensor.ZerosLike(predicted)
	for i, p := range predicted.Data {
		switch d := p - target.Data[i]; {
		case d > 0:
			grad.Data[i] = scale
		case d < 0:
			grad.Data[i] = -scale
		}
	}
	return grad, nil
}
