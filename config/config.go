package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/caljoseph/photochrom-ai/checkpoints"
	"github.com/caljoseph/photochrom-ai/logging"
	"github.com/caljoseph/photochrom-ai/models"
	"github.com/caljoseph/photochrom-ai/tracking"
	"github.com/caljoseph/photochrom-ai/training"
	"github.com/caljoseph/photochrom-ai/vision/dataloader"
	"github.com/caljoseph/photochrom-ai/vision/preprocessing"
)

//go:embed sample_config.toml
var sampleConfig string

// ProjectFileName is looked up in the working directory when no path is given.
const ProjectFileName = "photochrom.toml"

// Data configures dataset discovery, splitting and loading.
type Data struct {
	RootDir         string  `toml:"root_dir"`
	BatchSize       int     `toml:"batch_size"`
	ImageSize       []int   `toml:"image_size"` // [height, width]
	NumWorkers      int     `toml:"num_workers"`
	PrefetchBatches int     `toml:"prefetch_batches"`
	Split           string  `toml:"split"` // auto, presplit or ratio
	ValFraction     float64 `toml:"val_fraction"`
	SplitSeed       uint64  `toml:"split_seed"`
	LatentCacheDir  string  `toml:"latent_cache_dir"`
	MemoryCacheSize int     `toml:"memory_cache_size"`
	// MaxLightnessDrift > 0 enables the grayscale/color lightness cross-check.
	MaxLightnessDrift float64 `toml:"max_lightness_drift"`
}

// Model selects the network variant and its optimizer settings.
type Model struct {
	Name string  `toml:"name"`
	LR   float64 `toml:"lr"`
	Seed uint64  `toml:"seed"`
}

// Trainer contains loop cadences and the hardware request.
type Trainer struct {
	MaxEpochs            int    `toml:"max_epochs"`
	Accelerator          string `toml:"accelerator"`
	Devices              int    `toml:"devices"`
	Precision            string `toml:"precision"`
	LogEveryNSteps       int    `toml:"log_every_n_steps"`
	VisualizeEveryNSteps int    `toml:"visualize_every_n_steps"`
	MaxVisualSamples     int    `toml:"max_visual_samples"`
}

// Checkpoint configures where and how training state is persisted.
type Checkpoint struct {
	Dir            string `toml:"dir"`
	Format         string `toml:"format"`
	EveryNSteps    int    `toml:"every_n_steps"`
	FreshOnCorrupt bool   `toml:"fresh_on_corrupt"`
}

// Logger configures the experiment tracker.
type Logger struct {
	Project  string `toml:"project"`
	Dir      string `toml:"dir"`
	Endpoint string `toml:"endpoint"` // optional remote dashboard
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Prepare configures raw corpus preparation.
type Prepare struct {
	CropSize      int     `toml:"crop_size"`
	BorderPercent float64 `toml:"border_percent"`
	ValFraction   float64 `toml:"val_fraction"`
	Seed          uint64  `toml:"seed"`
	Workers       int     `toml:"workers"`
	JPEGQuality   int     `toml:"jpeg_quality"`
}

// Config encapsulates all configuration values for photochrom.
//
// Configuration sections by subsystem:
//   - Data: pair discovery, train/val split, batching, caches
//   - Model: network variant, learning rate, init seed
//   - Trainer: epoch budget, logging and visualization cadence
//   - Checkpoint: directory, codec, interval saves
//   - Logger: experiment tracking store and remote dashboard
//   - Logging: log format and level
//   - Prepare: raw scan preprocessing
type Config struct {
	Data       Data       `toml:"data"`
	Model      Model      `toml:"model"`
	Trainer    Trainer    `toml:"trainer"`
	Checkpoint Checkpoint `toml:"checkpoint"`
	Logger     Logger     `toml:"logger"`
	Logging    Logging    `toml:"logging"`
	Prepare    Prepare    `toml:"prepare"`
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded. A missing file yields the defaults.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, filepath.Base(resolvedPath), err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = ProjectFileName
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", expanded)
	}
	return expanded, true, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Height returns the configured training image height.
func (c *Config) Height() int { return c.Data.ImageSize[0] }

// Width returns the configured training image width.
func (c *Config) Width() int { return c.Data.ImageSize[1] }

// DataModuleConfig returns the data module settings.
func (c *Config) DataModuleConfig() dataloader.Config {
	return dataloader.Config{
		RootDir:           c.Data.RootDir,
		BatchSize:         c.Data.BatchSize,
		Height:            c.Height(),
		Width:             c.Width(),
		NumWorkers:        c.Data.NumWorkers,
		PrefetchBatches:   c.Data.PrefetchBatches,
		Split:             c.Data.Split,
		ValFraction:       c.Data.ValFraction,
		SplitSeed:         c.Data.SplitSeed,
		LatentCacheDir:    c.Data.LatentCacheDir,
		MemoryCacheSize:   c.Data.MemoryCacheSize,
		MaxLightnessDrift: c.Data.MaxLightnessDrift,
	}
}

// ModelOptions returns the network options for Model.Name.
func (c *Config) ModelOptions() models.Options {
	opts := models.DefaultOptions()
	opts.Seed = c.Model.Seed
	return opts
}

// TrainerConfig returns the optimizer settings.
func (c *Config) TrainerConfig() training.TrainerConfig {
	cfg := training.DefaultTrainerConfig()
	cfg.LearningRate = float32(c.Model.LR)
	return cfg
}

// CheckpointFormat returns the parsed checkpoint codec.
func (c *Config) CheckpointFormat() checkpoints.CheckpointFormat {
	format, err := checkpoints.ParseFormat(c.Checkpoint.Format)
	if err != nil {
		return checkpoints.FormatBinary
	}
	return format
}

// CheckpointConfig returns the checkpoint manager settings for runID.
func (c *Config) CheckpointConfig(runID string) training.CheckpointConfig {
	return training.CheckpointConfig{
		Dir:            c.Checkpoint.Dir,
		ModelName:      c.Model.Name,
		Format:         c.CheckpointFormat(),
		FreshOnCorrupt: c.Checkpoint.FreshOnCorrupt,
		RunID:          runID,
	}
}

// DriverConfig returns the training loop settings for runID.
func (c *Config) DriverConfig(runID string) training.DriverConfig {
	return training.DriverConfig{
		MaxEpochs:             c.Trainer.MaxEpochs,
		LogEveryNSteps:        c.Trainer.LogEveryNSteps,
		VisualizeEveryNSteps:  c.Trainer.VisualizeEveryNSteps,
		MaxVisualSamples:      c.Trainer.MaxVisualSamples,
		CheckpointEveryNSteps: c.Checkpoint.EveryNSteps,
		RunID:                 runID,
	}
}

// StoreConfig returns the local tracking store settings for runID.
func (c *Config) StoreConfig(runID string) (tracking.StoreConfig, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return tracking.StoreConfig{}, fmt.Errorf("encode config: %w", err)
	}
	return tracking.StoreConfig{
		Dir:        c.Logger.Dir,
		Project:    c.Logger.Project,
		RunID:      runID,
		ConfigTOML: string(data),
	}, nil
}

// RemoteConfig returns the remote sink settings. ok is false when no
// endpoint is configured.
func (c *Config) RemoteConfig(runID string) (cfg tracking.RemoteConfig, ok bool) {
	if c.Logger.Endpoint == "" {
		return tracking.RemoteConfig{}, false
	}
	cfg = tracking.DefaultRemoteConfig()
	cfg.Endpoint = c.Logger.Endpoint
	cfg.Project = c.Logger.Project
	cfg.RunID = runID
	return cfg, true
}

// PrepareConfig returns the preparer settings.
func (c *Config) PrepareConfig() preprocessing.PrepareConfig {
	return preprocessing.PrepareConfig{
		CropSize:      c.Prepare.CropSize,
		BorderPercent: c.Prepare.BorderPercent,
		ValFraction:   c.Prepare.ValFraction,
		Seed:          c.Prepare.Seed,
		Workers:       c.Prepare.Workers,
		JPEGQuality:   c.Prepare.JPEGQuality,
	}
}

// LoggingOptions returns the logger construction options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
	}
}
