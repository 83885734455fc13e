package dataloader

import (
	"context"
	"fmt"
	"iter"

	"github.com/caljoseph/photochrom-ai/tensor"
	"github.com/caljoseph/photochrom-ai/vision/dataset"
	"golang.org/x/sync/errgroup"
)

// Batch is a group of samples stacked on a new leading dimension: L has
// shape (B,1,H,W) and AB (B,2,H,W).
type Batch struct {
	IDs []string
	L   *tensor.Tensor
	AB  *tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.IDs)
}

// Dataset is the sample source a DataLoader reads from.
type Dataset interface {
	Len() int
	Sample(index int) (*dataset.Sample, error)
}

// DataLoader assembles batches from a dataset in a caller-supplied order.
// With workers, batches are decoded concurrently but delivered in order.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	workers   int
	prefetch  int
}

// LoaderConfig holds configuration for DataLoader
type LoaderConfig struct {
	BatchSize int
	// NumWorkers is the number of batches decoded concurrently; 0 loads
	// synchronously on the caller's goroutine.
	NumWorkers int
	// PrefetchBatches bounds how many batches may wait ahead of the consumer.
	PrefetchBatches int
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds Dataset, config LoaderConfig) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers < 0 {
		return nil, fmt.Errorf("worker count must not be negative, got %d", config.NumWorkers)
	}
	if config.PrefetchBatches <= 0 {
		config.PrefetchBatches = 2
	}
	return &DataLoader{
		dataset:   ds,
		batchSize: config.BatchSize,
		workers:   config.NumWorkers,
		prefetch:  config.PrefetchBatches,
	}, nil
}

// NumBatches returns the number of batches covering n samples, counting a
// partial final batch.
func (dl *DataLoader) NumBatches(n int) int {
	return (n + dl.batchSize - 1) / dl.batchSize
}

// Batches yields batches of the samples at order, skipping the first skip
// batches. Iteration stops at the first error, which is yielded once.
func (dl *DataLoader) Batches(ctx context.Context, order []int, skip int) iter.Seq2[*Batch, error] {
	var groups [][]int
	for start := 0; start < len(order); start += dl.batchSize {
		groups = append(groups, order[start:min(start+dl.batchSize, len(order))])
	}
	if skip > 0 {
		groups = groups[min(skip, len(groups)):]
	}
	if dl.workers == 0 {
		return dl.sequential(ctx, groups)
	}
	return dl.concurrent(ctx, groups)
}

func (dl *DataLoader) sequential(ctx context.Context, groups [][]int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		for _, group := range groups {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			batch, err := dl.load(group)
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

type batchResult struct {
	batch *Batch
	err   error
}

// concurrent decodes up to dl.workers batches at a time. Each batch gets a
// one-slot result channel, queued in iteration order, so delivery order never
// depends on which worker finishes first.
func (dl *DataLoader) concurrent(ctx context.Context, groups [][]int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		pending := make(chan chan batchResult, dl.prefetch)
		done := make(chan struct{})
		defer func() {
			cancel()
			<-done
		}()

		go func() {
			defer close(done)
			var g errgroup.Group
			g.SetLimit(dl.workers)
			defer g.Wait()
			defer close(pending)

			for _, group := range groups {
				result := make(chan batchResult, 1)
				select {
				case pending <- result:
				case <-ctx.Done():
					return
				}
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						result <- batchResult{err: err}
						return nil
					}
					batch, err := dl.load(group)
					result <- batchResult{batch: batch, err: err}
					return nil
				})
			}
		}()

		for result := range pending {
			var r batchResult
			select {
			case r = <-result:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
			if !yield(r.batch, r.err) || r.err != nil {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// load decodes and stacks the samples at indices.
func (dl *DataLoader) load(indices []int) (*Batch, error) {
	batch := &Batch{IDs: make([]string, len(indices))}
	ls := make([]*tensor.Tensor, len(indices))
	abs := make([]*tensor.Tensor, len(indices))
	for i, idx := range indices {
		sample, err := dl.dataset.Sample(idx)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		batch.IDs[i] = sample.ID
		ls[i] = sample.L
		abs[i] = sample.AB
	}

	var err error
	if batch.L, err = tensor.Stack(ls); err != nil {
		return nil, fmt.Errorf("failed to stack lightness: %w", err)
	}
	if batch.AB, err = tensor.Stack(abs); err != nil {
		return nil, fmt.Errorf("failed to stack chrominance: %w", err)
	}
	return batch, nil
}
