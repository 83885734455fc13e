package training

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"time"

	"github.com/caljoseph/photochrom-ai/logging"
	"github.com/caljoseph/photochrom-ai/vision/dataloader"
)

// DataSource supplies the batches of a training run.
type DataSource interface {
	NumTrainBatches() int
	NumValBatches() int
	TrainBatches(ctx context.Context, epoch, skip int) iter.Seq2[*dataloader.Batch, error]
	ValBatches(ctx context.Context) iter.Seq2[*dataloader.Batch, error]
}

// DriverConfig holds configuration for training
type DriverConfig struct {
	MaxEpochs             int
	LogEveryNSteps        int // Report train/loss every N steps (0 = never)
	VisualizeEveryNSteps  int // Emit sample images every N steps (0 = never)
	MaxVisualSamples      int
	CheckpointEveryNSteps int // Interval checkpoint every N steps (0 = epoch end only)
	RunID                 string
	Progress              io.Writer // Terminal for progress bars; nil disables them
}

// DefaultDriverConfig returns the stock cadences.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		MaxEpochs:            10,
		LogEveryNSteps:       50,
		VisualizeEveryNSteps: 200,
		MaxVisualSamples:     4,
	}
}

// TrainingMetrics holds metrics for a single epoch
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	ValLoss       float64
	ValLossStd    float64
	TrainBatches  int
	ValBatches    int
	EpochDuration time.Duration
	BestPath      string // set when the epoch produced a new best checkpoint
}

// RunSummary describes a finished or interrupted run.
type RunSummary struct {
	RunID     string
	Resumed   bool
	Epochs    []TrainingMetrics
	State     ModelState
	Completed bool // every configured epoch has been trained
}

// Driver runs the training loop: resume, then per epoch train, validate and
// checkpoint.
type Driver struct {
	config  DriverConfig
	data    DataSource
	trainer *ModelTrainer
	ckpt    *CheckpointManager
	sink    MetricsSink
	logger  *slog.Logger
}

// NewDriver wires a driver. sink may be nil.
func NewDriver(config DriverConfig, data DataSource, trainer *ModelTrainer, ckpt *CheckpointManager, sink MetricsSink, logger *slog.Logger) (*Driver, error) {
	if config.MaxEpochs <= 0 {
		return nil, fmt.Errorf("max epochs must be positive, got %d", config.MaxEpochs)
	}
	if data == nil || trainer == nil || ckpt == nil {
		return nil, fmt.Errorf("driver requires data, trainer and checkpoint manager")
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.RunID != "" {
		logger = logger.With(slog.String("run_id", config.RunID))
	}
	return &Driver{
		config:  config,
		data:    data,
		trainer: trainer,
		ckpt:    ckpt,
		sink:    sink,
		logger:  logger,
	}, nil
}

// Run trains until MaxEpochs or until ctx is cancelled. Cancellation returns
// ctx.Err(); progress since the last checkpoint is lost.
func (d *Driver) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{RunID: d.config.RunID}

	resumed, err := d.ckpt.Resume(ctx, d.trainer)
	if err != nil {
		return summary, err
	}
	summary.Resumed = resumed.Resumed

	start := d.trainer.State().Epoch
	if start >= d.config.MaxEpochs {
		d.logger.InfoContext(ctx, "training already complete",
			slog.Int("epoch", start), slog.Int("max_epochs", d.config.MaxEpochs))
		summary.State = d.trainer.State()
		summary.Completed = true
		return summary, nil
	}

	d.logger.InfoContext(ctx, "training started",
		slog.Int("start_epoch", start),
		slog.Int("max_epochs", d.config.MaxEpochs),
		slog.Int("train_batches", d.data.NumTrainBatches()),
		slog.Int("val_batches", d.data.NumValBatches()))

	for epoch := start; epoch < d.config.MaxEpochs; epoch++ {
		metrics, err := d.runEpoch(ctx, epoch)
		summary.State = d.trainer.State()
		if err != nil {
			return summary, err
		}
		summary.Epochs = append(summary.Epochs, metrics)
	}

	summary.Completed = true
	d.logger.InfoContext(ctx, "training finished",
		slog.Int("epochs", d.config.MaxEpochs),
		slog.Int("global_step", summary.State.GlobalStep),
		slog.Float64("best_val_loss", float64(summary.State.BestLoss)),
		slog.String("best_file", summary.State.BestFile))
	return summary, nil
}

func (d *Driver) runEpoch(ctx context.Context, epoch int) (TrainingMetrics, error) {
	epochStart := time.Now()
	metrics := TrainingMetrics{Epoch: epoch}

	trainLoss, batches, err := d.trainEpoch(ctx, epoch)
	if err != nil {
		return metrics, err
	}
	metrics.TrainLoss = trainLoss.Mean()
	metrics.TrainBatches = batches

	valLoss, err := d.validate(ctx)
	if err != nil {
		return metrics, err
	}
	metrics.ValLoss = valLoss.Mean()
	metrics.ValLossStd = valLoss.StdDev()
	metrics.ValBatches = valLoss.Count()

	d.trainer.CompleteEpoch()
	state := d.trainer.State()
	scalars := map[string]float64{MetricEpoch: float64(epoch)}
	if trainLoss.Count() > 0 {
		scalars[MetricTrainLossEpoch] = metrics.TrainLoss
	}
	if valLoss.Count() > 0 {
		scalars[MetricValLoss] = metrics.ValLoss
		scalars[MetricValLossStd] = metrics.ValLossStd
	}
	d.logScalars(ctx, state.GlobalStep, scalars)

	bestPath, err := d.ckpt.Save(ctx, d.trainer, float32(metrics.ValLoss))
	if err != nil {
		return metrics, err
	}
	metrics.BestPath = bestPath
	metrics.EpochDuration = time.Since(epochStart)

	d.logger.InfoContext(ctx, "epoch complete",
		slog.Int("epoch", epoch),
		slog.Float64("train_loss", metrics.TrainLoss),
		slog.Float64("val_loss", metrics.ValLoss),
		slog.Float64("val_loss_std", metrics.ValLossStd),
		slog.Bool("best", bestPath != ""),
		slog.Duration("duration", metrics.EpochDuration))
	return metrics, nil
}

func (d *Driver) trainEpoch(ctx context.Context, epoch int) (*EpochMetric, int, error) {
	var loss EpochMetric
	skip := d.trainer.State().StepInEpoch
	total := d.data.NumTrainBatches()
	if skip > 0 {
		d.logger.InfoContext(ctx, "skipping batches already trained",
			slog.Int("epoch", epoch), slog.Int("skip", skip))
	}

	bar := d.progressBar(fmt.Sprintf("epoch %d/%d", epoch+1, d.config.MaxEpochs), total-skip)
	defer bar.Finish()

	batches := 0
	for batch, err := range d.data.TrainBatches(ctx, epoch, skip) {
		if err != nil {
			return nil, batches, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, batches, err
		}

		value, err := d.trainer.TrainStep(batch)
		if err != nil {
			return nil, batches, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		loss.Add(value, batch.Size())
		batches++
		bar.Advance(1, value)

		step := d.trainer.State().GlobalStep
		if every := d.config.LogEveryNSteps; every > 0 && step%every == 0 {
			d.logger.DebugContext(ctx, "train step",
				slog.Int("epoch", epoch),
				slog.Int("global_step", step),
				slog.Float64("loss", float64(value)))
			d.logScalars(ctx, step, map[string]float64{
				MetricTrainLoss: float64(value),
				MetricEpoch:     float64(epoch),
			})
		}
		if every := d.config.VisualizeEveryNSteps; every > 0 && step%every == 0 {
			d.visualize(ctx, step, batch)
		}
		if every := d.config.CheckpointEveryNSteps; every > 0 && step%every == 0 {
			if err := d.ckpt.SaveLast(ctx, d.trainer); err != nil {
				return nil, batches, err
			}
		}
	}
	// An iterator ended by cancellation yields its error above; a loop that
	// consumed every batch can still race a late cancel.
	if err := ctx.Err(); err != nil {
		return nil, batches, err
	}
	return &loss, batches, nil
}

func (d *Driver) validate(ctx context.Context) (*EpochMetric, error) {
	var loss EpochMetric
	if d.data.NumValBatches() == 0 {
		return &loss, nil
	}
	for batch, err := range d.data.ValBatches(ctx) {
		if err != nil {
			return nil, fmt.Errorf("validation: %w", err)
		}
		value, err := d.trainer.ValidationStep(batch)
		if err != nil {
			return nil, fmt.Errorf("validation: %w", err)
		}
		loss.Add(value, batch.Size())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &loss, nil
}

func (d *Driver) visualize(ctx context.Context, step int, batch *dataloader.Batch) {
	if d.config.MaxVisualSamples <= 0 {
		return
	}
	pred, err := d.trainer.Predict(batch.L)
	if err == nil {
		var triples []ImageTriple
		triples, err = BuildImageTriples("train", batch, pred, d.config.MaxVisualSamples)
		if err == nil {
			err = d.sink.LogImages(ctx, step, triples)
		}
	}
	if err != nil {
		d.logger.WarnContext(ctx, "visualization failed", slog.Int("global_step", step), logging.Error(err))
	}
}

func (d *Driver) logScalars(ctx context.Context, step int, scalars map[string]float64) {
	for k, v := range scalars {
		if math.IsNaN(v) {
			delete(scalars, k)
		}
	}
	if err := d.sink.LogScalars(ctx, step, scalars); err != nil {
		d.logger.WarnContext(ctx, "metrics sink failed", slog.Int("global_step", step), logging.Error(err))
	}
}

func (d *Driver) progressBar(description string, total int) *ProgressBar {
	if d.config.Progress == nil {
		return &ProgressBar{}
	}
	return NewProgressBar(d.config.Progress, description, total)
}
