package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/caljoseph/photochrom-ai/checkpoints"
	"github.com/caljoseph/photochrom-ai/logging"
	"github.com/caljoseph/photochrom-ai/models"
	"github.com/caljoseph/photochrom-ai/vision/dataloader"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateData(); err != nil {
		return err
	}
	if err := c.validateModel(); err != nil {
		return err
	}
	if err := c.validateTrainer(); err != nil {
		return err
	}
	if err := c.validateCheckpoint(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validatePrepare()
}

func (c *Config) validateData() error {
	if c.Data.RootDir == "" {
		return invalid("data.root_dir must be set")
	}
	if c.Data.BatchSize <= 0 {
		return invalid("data.batch_size must be positive, got %d", c.Data.BatchSize)
	}
	if len(c.Data.ImageSize) != 2 {
		return invalid("data.image_size must be [height, width], got %v", c.Data.ImageSize)
	}
	if c.Data.ImageSize[0] <= 0 || c.Data.ImageSize[1] <= 0 {
		return invalid("data.image_size must be positive, got %v", c.Data.ImageSize)
	}
	// Two 2x2 pooling levels.
	if c.Data.ImageSize[0]%4 != 0 || c.Data.ImageSize[1]%4 != 0 {
		return invalid("data.image_size must be divisible by 4, got %v", c.Data.ImageSize)
	}
	if c.Data.NumWorkers < 0 {
		return invalid("data.num_workers must not be negative")
	}
	if c.Data.PrefetchBatches < 0 {
		return invalid("data.prefetch_batches must not be negative")
	}
	switch c.Data.Split {
	case dataloader.SplitAuto, dataloader.SplitPresplit, dataloader.SplitRatio:
	default:
		return invalid("data.split must be auto, presplit or ratio, got %q", c.Data.Split)
	}
	if c.Data.ValFraction <= 0 || c.Data.ValFraction >= 1 {
		return invalid("data.val_fraction must be between 0 and 1, got %g", c.Data.ValFraction)
	}
	if c.Data.MemoryCacheSize < 0 {
		return invalid("data.memory_cache_size must not be negative")
	}
	if c.Data.MaxLightnessDrift < 0 || c.Data.MaxLightnessDrift > 100 {
		return invalid("data.max_lightness_drift must be in [0, 100], got %g", c.Data.MaxLightnessDrift)
	}
	return nil
}

func (c *Config) validateModel() error {
	if !slices.Contains(models.Variants(), c.Model.Name) {
		return invalid("model.name %q is not one of %v", c.Model.Name, models.Variants())
	}
	if c.Model.LR <= 0 {
		return invalid("model.lr must be positive, got %g", c.Model.LR)
	}
	return nil
}

func (c *Config) validateTrainer() error {
	if c.Trainer.MaxEpochs <= 0 {
		return invalid("trainer.max_epochs must be positive, got %d", c.Trainer.MaxEpochs)
	}
	switch c.Trainer.Accelerator {
	case "cpu", "auto":
	default:
		return invalid("trainer.accelerator %q is not supported (cpu, auto)", c.Trainer.Accelerator)
	}
	if c.Trainer.Devices != 1 {
		return invalid("trainer.devices must be 1, got %d", c.Trainer.Devices)
	}
	switch c.Trainer.Precision {
	case "32", "32-true":
	default:
		return invalid("trainer.precision %q is not supported (32, 32-true)", c.Trainer.Precision)
	}
	if c.Trainer.LogEveryNSteps <= 0 {
		return invalid("trainer.log_every_n_steps must be positive, got %d", c.Trainer.LogEveryNSteps)
	}
	if c.Trainer.VisualizeEveryNSteps < 0 {
		return invalid("trainer.visualize_every_n_steps must not be negative")
	}
	if c.Trainer.MaxVisualSamples < 0 {
		return invalid("trainer.max_visual_samples must not be negative")
	}
	return nil
}

func (c *Config) validateCheckpoint() error {
	if _, err := checkpoints.ParseFormat(c.Checkpoint.Format); err != nil {
		return invalid("checkpoint.format: %v", err)
	}
	if c.Checkpoint.EveryNSteps < 0 {
		return invalid("checkpoint.every_n_steps must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return invalid("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

func (c *Config) validatePrepare() error {
	if c.Prepare.CropSize <= 0 {
		return invalid("prepare.crop_size must be positive, got %d", c.Prepare.CropSize)
	}
	if c.Prepare.BorderPercent < 0 || c.Prepare.BorderPercent >= 0.5 {
		return invalid("prepare.border_percent must be in [0, 0.5), got %g", c.Prepare.BorderPercent)
	}
	if c.Prepare.ValFraction < 0 || c.Prepare.ValFraction >= 1 {
		return invalid("prepare.val_fraction must be in [0, 1), got %g", c.Prepare.ValFraction)
	}
	if c.Prepare.JPEGQuality < 1 || c.Prepare.JPEGQuality > 100 {
		return invalid("prepare.jpeg_quality must be in [1, 100], got %d", c.Prepare.JPEGQuality)
	}
	return nil
}
