package training

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/caljoseph/photochrom-ai/tensor"
	"github.com/caljoseph/photochrom-ai/vision/dataloader"
	"github.com/caljoseph/photochrom-ai/vision/preprocessing"
)

// ImageTriple is one visualization sample: the grayscale input, the
// colorization predicted from it and the ground truth.
type ImageTriple struct {
	Caption   string
	Gray      image.Image
	Predicted image.Image
	Truth     image.Image
}

// MetricsSink receives scalar metrics and sample images during training.
// Implementations must not retain the scalars map.
type MetricsSink interface {
	LogScalars(ctx context.Context, step int, scalars map[string]float64) error
	LogImages(ctx context.Context, step int, triples []ImageTriple) error
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) LogScalars(context.Context, int, map[string]float64) error { return nil }

func (NopSink) LogImages(context.Context, int, []ImageTriple) error { return nil }

func (NopSink) Close() error { return nil }

// MultiSink forwards to every sink and joins their errors.
type MultiSink []MetricsSink

func (m MultiSink) LogScalars(ctx context.Context, step int, scalars map[string]float64) error {
	var errs []error
	for _, s := range m {
		if err := s.LogScalars(ctx, step, scalars); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) LogImages(ctx context.Context, step int, triples []ImageTriple) error {
	var errs []error
	for _, s := range m {
		if err := s.LogImages(ctx, step, triples); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildImageTriples renders up to limit samples of batch with the predicted
// chrominance pred (B,2,H,W). Captions read "<kind> - <id>".
func BuildImageTriples(kind string, batch *dataloader.Batch, pred *tensor.Tensor, limit int) ([]ImageTriple, error) {
	n := min(batch.Size(), limit)
	if n <= 0 {
		return nil, nil
	}
	if pred.Dims() != 4 || pred.Shape[0] < n {
		return nil, fmt.Errorf("prediction shape %v does not cover %d samples", pred.Shape, n)
	}

	triples := make([]ImageTriple, 0, n)
	for i := range n {
		l := batch.L.Item(i)
		gray, err := preprocessing.LightnessImage(l)
		if err != nil {
			return nil, err
		}
		predicted, err := decodeImage(l, pred.Item(i))
		if err != nil {
			return nil, fmt.Errorf("prediction %d: %w", i, err)
		}
		truth, err := decodeImage(l, batch.AB.Item(i))
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		triples = append(triples, ImageTriple{
			Caption:   fmt.Sprintf("%s - %s", kind, batch.IDs[i]),
			Gray:      gray,
			Predicted: predicted,
			Truth:     truth,
		})
	}
	return triples, nil
}

func decodeImage(l, ab *tensor.Tensor) (*image.RGBA, error) {
	rgb, err := preprocessing.Decode(l, ab)
	if err != nil {
		return nil, err
	}
	return preprocessing.ToImage(rgb)
}
