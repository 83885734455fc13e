package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeData()
	c.normalizeModel()
	c.normalizeTrainer()
	c.Checkpoint.Format = strings.ToLower(strings.TrimSpace(c.Checkpoint.Format))
	if c.Checkpoint.Format == "" {
		c.Checkpoint.Format = defaultCheckpointFormat
	}
	c.Logger.Project = strings.TrimSpace(c.Logger.Project)
	if c.Logger.Project == "" {
		c.Logger.Project = defaultProject
	}
	c.Logger.Endpoint = strings.TrimSpace(c.Logger.Endpoint)
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Data.RootDir, err = expandPath(c.Data.RootDir); err != nil {
		return fmt.Errorf("data.root_dir: %w", err)
	}
	if c.Data.LatentCacheDir, err = expandPath(c.Data.LatentCacheDir); err != nil {
		return fmt.Errorf("data.latent_cache_dir: %w", err)
	}
	if strings.TrimSpace(c.Checkpoint.Dir) == "" {
		c.Checkpoint.Dir = defaultCheckpointDir
	}
	if c.Checkpoint.Dir, err = expandPath(c.Checkpoint.Dir); err != nil {
		return fmt.Errorf("checkpoint.dir: %w", err)
	}
	if strings.TrimSpace(c.Logger.Dir) == "" {
		c.Logger.Dir = defaultTrackingDir
	}
	if c.Logger.Dir, err = expandPath(c.Logger.Dir); err != nil {
		return fmt.Errorf("logger.dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeData() {
	// A single value means a square image.
	if len(c.Data.ImageSize) == 1 {
		c.Data.ImageSize = []int{c.Data.ImageSize[0], c.Data.ImageSize[0]}
	}
	c.Data.Split = strings.ToLower(strings.TrimSpace(c.Data.Split))
	if c.Data.Split == "" {
		c.Data.Split = defaultSplit
	}
	if c.Data.PrefetchBatches == 0 {
		c.Data.PrefetchBatches = defaultPrefetchBatches
	}
}

func (c *Config) normalizeModel() {
	c.Model.Name = strings.ToLower(strings.TrimSpace(c.Model.Name))
	if c.Model.Name == "" {
		c.Model.Name = defaultModelName
	}
}

func (c *Config) normalizeTrainer() {
	c.Trainer.Accelerator = strings.ToLower(strings.TrimSpace(c.Trainer.Accelerator))
	if c.Trainer.Accelerator == "" {
		c.Trainer.Accelerator = defaultAccelerator
	}
	c.Trainer.Precision = strings.ToLower(strings.TrimSpace(c.Trainer.Precision))
	if c.Trainer.Precision == "" {
		c.Trainer.Precision = defaultPrecision
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console", "text":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
