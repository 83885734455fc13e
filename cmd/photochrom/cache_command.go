package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caljoseph/photochrom-ai/config"
	"github.com/caljoseph/photochrom-ai/logging"
	"github.com/caljoseph/photochrom-ai/training"
	"github.com/caljoseph/photochrom-ai/vision/dataloader"
	"github.com/caljoseph/photochrom-ai/vision/dataset"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	var dirFlag string
	var overwrite bool
	var workers int

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Precompute Lab latents for every pair under data.root_dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			dir := strings.TrimSpace(dirFlag)
			if dir == "" {
				dir = cfg.Data.LatentCacheDir
			}
			if dir == "" {
				return errors.New("no cache directory: set data.latent_cache_dir or pass --dir")
			}
			if workers <= 0 {
				workers = max(1, cfg.Data.NumWorkers)
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			result, err := buildLatentCache(signalCtx, cfg, dir, workers, overwrite, logging.NewComponentLogger(logger, "cache"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cached %d samples (%d already present) in %s\n", result.written, result.skipped, dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dirFlag, "dir", "", "Cache directory (default data.latent_cache_dir)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Re-encode samples that are already cached")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent encoders (default data.num_workers)")
	return cmd
}

type cacheResult struct {
	written int64
	skipped int64
}

// buildLatentCache encodes every pair of both splits into dir. Existing
// entries are kept unless overwrite is set.
func buildLatentCache(ctx context.Context, cfg *config.Config, dir string, workers int, overwrite bool, logger *slog.Logger) (cacheResult, error) {
	strategy, err := dataloader.NewSplitStrategy(cfg.Data.Split, cfg.Data.RootDir, cfg.Data.ValFraction, cfg.Data.SplitSeed, nil)
	if err != nil {
		return cacheResult{}, err
	}
	trainStore, valStore, err := strategy.Split(cfg.Data.RootDir)
	if err != nil {
		return cacheResult{}, err
	}

	// Encode from the images themselves, never from an older cache.
	opts := dataset.SampleOptions{
		Height:            cfg.Height(),
		Width:             cfg.Width(),
		MaxLightnessDrift: cfg.Data.MaxLightnessDrift,
	}
	var pairs []dataset.ImagePair
	for _, store := range []*dataset.PairedImageStore{trainStore, valStore} {
		for i := range store.Len() {
			pair, err := store.PairAt(i)
			if err != nil {
				return cacheResult{}, err
			}
			pairs = append(pairs, pair)
		}
	}
	encoder, err := dataset.NewSampleDataset(trainStore, opts)
	if err != nil {
		return cacheResult{}, err
	}

	logger.Info("building latent cache",
		slog.String("dir", dir),
		slog.String("strategy", strategy.Name()),
		slog.Int("pairs", len(pairs)),
		slog.Int("workers", workers))

	bar := training.NewProgressBar(os.Stderr, "caching", len(pairs))
	defer bar.Finish()

	var result cacheResult
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, pair := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			defer bar.Add(1)
			if !overwrite {
				if _, err := os.Stat(dataset.LatentPath(dir, pair.Key())); err == nil {
					atomic.AddInt64(&result.skipped, 1)
					return nil
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			sample, err := encoder.Encode(pair)
			if err != nil {
				return err
			}
			if err := dataset.WriteLatent(dir, sample); err != nil {
				return fmt.Errorf("%s: %w", pair.Key(), err)
			}
			atomic.AddInt64(&result.written, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}
