package config

const (
	defaultRootDir          = "data"
	defaultBatchSize        = 32
	defaultImageSize        = 512
	defaultNumWorkers       = 8
	defaultPrefetchBatches  = 2
	defaultSplit            = "auto"
	defaultValFraction      = 0.1
	defaultSplitSeed        = 42
	defaultModelName        = "unet"
	defaultLearningRate     = 1e-3
	defaultModelSeed        = 42
	defaultMaxEpochs        = 10
	defaultAccelerator      = "auto"
	defaultDevices          = 1
	defaultPrecision        = "32"
	defaultLogEveryNSteps   = 50
	defaultVisualizeEvery   = 200
	defaultMaxVisualSamples = 4
	defaultCheckpointDir    = "checkpoints"
	defaultCheckpointFormat = "binary"
	defaultProject          = "photochrom-colorization"
	defaultTrackingDir      = "runs"
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultCropSize         = 512
	defaultBorderPercent    = 0.03
	defaultPrepareWorkers   = 4
	defaultJPEGQuality      = 95
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Data: Data{
			RootDir:         defaultRootDir,
			BatchSize:       defaultBatchSize,
			ImageSize:       []int{defaultImageSize, defaultImageSize},
			NumWorkers:      defaultNumWorkers,
			PrefetchBatches: defaultPrefetchBatches,
			Split:           defaultSplit,
			ValFraction:     defaultValFraction,
			SplitSeed:       defaultSplitSeed,
		},
		Model: Model{
			Name: defaultModelName,
			LR:   defaultLearningRate,
			Seed: defaultModelSeed,
		},
		Trainer: Trainer{
			MaxEpochs:            defaultMaxEpochs,
			Accelerator:          defaultAccelerator,
			Devices:              defaultDevices,
			Precision:            defaultPrecision,
			LogEveryNSteps:       defaultLogEveryNSteps,
			VisualizeEveryNSteps: defaultVisualizeEvery,
			MaxVisualSamples:     defaultMaxVisualSamples,
		},
		Checkpoint: Checkpoint{
			Dir:    defaultCheckpointDir,
			Format: defaultCheckpointFormat,
		},
		Logger: Logger{
			Project: defaultProject,
			Dir:     defaultTrackingDir,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Prepare: Prepare{
			CropSize:      defaultCropSize,
			BorderPercent: defaultBorderPercent,
			ValFraction:   defaultValFraction,
			Seed:          defaultSplitSeed,
			Workers:       defaultPrepareWorkers,
			JPEGQuality:   defaultJPEGQuality,
		},
	}
}
