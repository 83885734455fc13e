package dataloader

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"

	"github.com/caljoseph/photochrom-ai/logging"
	"github.com/caljoseph/photochrom-ai/vision/dataset"
)

// ErrNotSetup is returned when batches are requested before Setup.
var ErrNotSetup = errors.New("data module is not set up")

// Config holds the data-side training parameters.
type Config struct {
	RootDir         string
	BatchSize       int
	Height, Width   int
	NumWorkers      int
	PrefetchBatches int

	Split       string // auto, presplit or ratio
	ValFraction float64
	SplitSeed   uint64
	Extensions  []string

	LatentCacheDir    string
	MemoryCacheSize   int
	MaxLightnessDrift float64
}

// DataModule owns the train/validation partition and hands out batches.
type DataModule struct {
	cfg    Config
	logger *slog.Logger

	strategy SplitStrategy
	train    *dataset.SampleDataset
	val      *dataset.SampleDataset
	cache    *dataset.SampleCache
	loader   *DataLoader
}

// NewDataModule validates cfg. A nil logger discards output.
func NewDataModule(cfg Config, logger *slog.Logger) (*DataModule, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("data root is required")
	}
	loader, err := NewDataLoader(nil, LoaderConfig{
		BatchSize:       cfg.BatchSize,
		NumWorkers:      cfg.NumWorkers,
		PrefetchBatches: cfg.PrefetchBatches,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &DataModule{cfg: cfg, logger: logger, loader: loader}
	if cfg.MemoryCacheSize > 0 {
		m.cache = dataset.NewSampleCache(cfg.MemoryCacheSize)
	}
	return m, nil
}

// Setup resolves the split policy and builds both datasets. Both share one
// in-memory sample cache when it is enabled.
func (m *DataModule) Setup() error {
	strategy, err := NewSplitStrategy(m.cfg.Split, m.cfg.RootDir, m.cfg.ValFraction, m.cfg.SplitSeed, m.cfg.Extensions)
	if err != nil {
		return err
	}
	trainStore, valStore, err := strategy.Split(m.cfg.RootDir)
	if err != nil {
		return err
	}
	if trainStore.Len() == 0 {
		return fmt.Errorf("%w: training split of %s is empty", dataset.ErrDatasetIntegrity, m.cfg.RootDir)
	}

	opts := dataset.SampleOptions{
		Height:            m.cfg.Height,
		Width:             m.cfg.Width,
		LatentCacheDir:    m.cfg.LatentCacheDir,
		Cache:             m.cache,
		MaxLightnessDrift: m.cfg.MaxLightnessDrift,
	}
	if m.train, err = dataset.NewSampleDataset(trainStore, opts); err != nil {
		return err
	}
	if m.val, err = dataset.NewSampleDataset(valStore, opts); err != nil {
		return err
	}
	m.strategy = strategy

	m.logger.Info("data split ready",
		slog.String("strategy", strategy.Name()),
		slog.String("root", m.cfg.RootDir),
		slog.Int("train", m.train.Len()),
		slog.Int("val", m.val.Len()),
		slog.Int("batch_size", m.cfg.BatchSize),
		slog.Int("workers", m.cfg.NumWorkers))
	return nil
}

// Strategy returns the active split strategy, or nil before Setup.
func (m *DataModule) Strategy() SplitStrategy {
	return m.strategy
}

// Train returns the training dataset, or nil before Setup.
func (m *DataModule) Train() *dataset.SampleDataset {
	return m.train
}

// Val returns the validation dataset, or nil before Setup.
func (m *DataModule) Val() *dataset.SampleDataset {
	return m.val
}

// CacheStats reports the shared in-memory cache, if enabled.
func (m *DataModule) CacheStats() (dataset.CacheStats, bool) {
	if m.cache == nil {
		return dataset.CacheStats{}, false
	}
	return m.cache.Stats(), true
}

// NumTrainBatches returns the number of batches in one training epoch.
func (m *DataModule) NumTrainBatches() int {
	if m.train == nil {
		return 0
	}
	return m.loader.NumBatches(m.train.Len())
}

// NumValBatches returns the number of batches in one validation pass.
func (m *DataModule) NumValBatches() int {
	if m.val == nil {
		return 0
	}
	return m.loader.NumBatches(m.val.Len())
}

// TrainOrder returns the sample order for epoch. It depends only on the split
// seed and the epoch, so a resumed run replays the same order.
func (m *DataModule) TrainOrder(epoch int) []int {
	return rand.New(rand.NewPCG(m.cfg.SplitSeed, uint64(epoch))).Perm(m.train.Len())
}

// TrainBatches yields the shuffled training batches of epoch, skipping the
// first skip batches.
func (m *DataModule) TrainBatches(ctx context.Context, epoch, skip int) iter.Seq2[*Batch, error] {
	if m.train == nil {
		return failed(ErrNotSetup)
	}
	return m.withDataset(m.train).Batches(ctx, m.TrainOrder(epoch), skip)
}

// ValBatches yields the validation batches in partition order.
func (m *DataModule) ValBatches(ctx context.Context) iter.Seq2[*Batch, error] {
	if m.val == nil {
		return failed(ErrNotSetup)
	}
	order := make([]int, m.val.Len())
	for i := range order {
		order[i] = i
	}
	return m.withDataset(m.val).Batches(ctx, order, 0)
}

func (m *DataModule) withDataset(ds Dataset) *DataLoader {
	loader := *m.loader
	loader.dataset = ds
	return &loader
}

func failed(err error) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		yield(nil, err)
	}
}
