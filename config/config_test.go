package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"github.com/caljoseph/photochrom-ai/checkpoints"
	"github.com/caljoseph/photochrom-ai/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent")
	}
	if filepath.Base(resolved) != config.ProjectFileName {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Data.RootDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected root dir: %q", cfg.Data.RootDir)
	}
	if cfg.Height() != 512 || cfg.Width() != 512 {
		t.Fatalf("unexpected image size: %v", cfg.Data.ImageSize)
	}
	if cfg.Model.Name != "unet" || cfg.Model.LR != 1e-3 {
		t.Fatalf("unexpected model section: %+v", cfg.Model)
	}
	if cfg.CheckpointFormat() != checkpoints.FormatBinary {
		t.Fatalf("unexpected checkpoint format: %v", cfg.CheckpointFormat())
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging section: %+v", cfg.Logging)
	}
	if _, ok := cfg.RemoteConfig("run"); ok {
		t.Fatal("expected remote sink disabled without endpoint")
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "custom.toml")

	contents := `
[data]
root_dir = "~/photos"
batch_size = 4
image_size = [64, 128]
num_workers = 0

[model]
lr = 0.0005

[trainer]
max_epochs = 3
accelerator = "CPU"

[checkpoint]
format = "json"
every_n_steps = 100

[logger]
endpoint = " http://localhost:8080 "

[logging]
format = "JSON"
level = "debug"
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("unexpected resolution: %q exists=%v", resolved, exists)
	}
	if cfg.Data.RootDir != filepath.Join(home, "photos") {
		t.Fatalf("expected tilde expansion, got %q", cfg.Data.RootDir)
	}
	if cfg.Height() != 64 || cfg.Width() != 128 {
		t.Fatalf("unexpected image size: %v", cfg.Data.ImageSize)
	}
	if cfg.Trainer.Accelerator != "cpu" || cfg.Logging.Format != "json" {
		t.Fatalf("expected lowercased values, got %q / %q", cfg.Trainer.Accelerator, cfg.Logging.Format)
	}
	// Unset keys keep their defaults.
	if cfg.Trainer.LogEveryNSteps != config.Default().Trainer.LogEveryNSteps {
		t.Fatalf("unexpected log cadence: %d", cfg.Trainer.LogEveryNSteps)
	}

	data := cfg.DataModuleConfig()
	if data.BatchSize != 4 || data.Height != 64 || data.Width != 128 || data.NumWorkers != 0 {
		t.Fatalf("unexpected data module config: %+v", data)
	}
	if tc := cfg.TrainerConfig(); tc.LearningRate != float32(0.0005) {
		t.Fatalf("unexpected learning rate: %v", tc.LearningRate)
	}
	ckpt := cfg.CheckpointConfig("run-1")
	if ckpt.Format != checkpoints.FormatJSON || ckpt.ModelName != "unet" || ckpt.RunID != "run-1" {
		t.Fatalf("unexpected checkpoint config: %+v", ckpt)
	}
	if dc := cfg.DriverConfig("run-1"); dc.MaxEpochs != 3 || dc.CheckpointEveryNSteps != 100 {
		t.Fatalf("unexpected driver config: %+v", dc)
	}
	remote, ok := cfg.RemoteConfig("run-1")
	if !ok || remote.Endpoint != "http://localhost:8080" || remote.RunID != "run-1" {
		t.Fatalf("unexpected remote config: %+v ok=%v", remote, ok)
	}
	store, err := cfg.StoreConfig("run-1")
	if err != nil {
		t.Fatalf("StoreConfig failed: %v", err)
	}
	if !strings.Contains(store.ConfigTOML, "batch_size = 4") {
		t.Fatalf("expected config snapshot in store config, got %q", store.ConfigTOML)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "photochrom.toml")
	if err := os.WriteFile(configPath, []byte("[data]\nbatch_sise = 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, _, err := config.Load(configPath)
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "photochrom.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if cfg.Data.BatchSize != config.Default().Data.BatchSize {
		t.Fatalf("sample batch size %d differs from default", cfg.Data.BatchSize)
	}

	// The sample must load cleanly as-is.
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("Load sample failed: %v", err)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"batch size", func(c *config.Config) { c.Data.BatchSize = 0 }},
		{"image size arity", func(c *config.Config) { c.Data.ImageSize = []int{64, 64, 3} }},
		{"image size divisibility", func(c *config.Config) { c.Data.ImageSize = []int{62, 64} }},
		{"split policy", func(c *config.Config) { c.Data.Split = "random" }},
		{"val fraction", func(c *config.Config) { c.Data.ValFraction = 1 }},
		{"lightness drift", func(c *config.Config) { c.Data.MaxLightnessDrift = -1 }},
		{"model name", func(c *config.Config) { c.Model.Name = "resnet" }},
		{"learning rate", func(c *config.Config) { c.Model.LR = 0 }},
		{"max epochs", func(c *config.Config) { c.Trainer.MaxEpochs = 0 }},
		{"accelerator", func(c *config.Config) { c.Trainer.Accelerator = "gpu" }},
		{"devices", func(c *config.Config) { c.Trainer.Devices = 2 }},
		{"precision", func(c *config.Config) { c.Trainer.Precision = "16-mixed" }},
		{"log cadence", func(c *config.Config) { c.Trainer.LogEveryNSteps = 0 }},
		{"checkpoint format", func(c *config.Config) { c.Checkpoint.Format = "pickle" }},
		{"log level", func(c *config.Config) { c.Logging.Level = "verbose" }},
		{"crop size", func(c *config.Config) { c.Prepare.CropSize = 0 }},
		{"border percent", func(c *config.Config) { c.Prepare.BorderPercent = 0.5 }},
	}

	base := config.Default()
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, config.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
