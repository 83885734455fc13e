package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/caljoseph/photochrom-ai/config"
	"github.com/caljoseph/photochrom-ai/logging"
	"github.com/caljoseph/photochrom-ai/models"
	"github.com/caljoseph/photochrom-ai/tensor"
	"github.com/caljoseph/photochrom-ai/tracking"
	"github.com/caljoseph/photochrom-ai/training"
	"github.com/caljoseph/photochrom-ai/vision/dataloader"
)

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var runID string
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the colorization model, resuming from the last checkpoint when present",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			var progress io.Writer
			if !noProgress && training.IsTerminal(os.Stderr) {
				progress = os.Stderr
			}
			return runTrain(cmd.Context(), cmd.OutOrStdout(), cfg, logger, strings.TrimSpace(runID), progress)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Tracking run id (generated when empty)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bars")
	return cmd
}

func runTrain(cmdCtx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, runID string, progress io.Writer) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With(slog.String("run_id", runID))

	data, err := dataloader.NewDataModule(cfg.DataModuleConfig(), logging.NewComponentLogger(logger, "data"))
	if err != nil {
		return fmt.Errorf("data module: %w", err)
	}
	if err := data.Setup(); err != nil {
		return fmt.Errorf("data setup: %w", err)
	}

	net, err := models.New(cfg.Model.Name, cfg.ModelOptions())
	if err != nil {
		return err
	}
	trainer, err := training.NewModelTrainer(net, cfg.TrainerConfig())
	if err != nil {
		return err
	}
	defer trainer.Close()

	ckpt, err := training.NewCheckpointManager(cfg.CheckpointConfig(runID), logging.NewComponentLogger(logger, "checkpoint"))
	if err != nil {
		return err
	}
	defer ckpt.Close()

	sink, err := openSinks(signalCtx, cfg, runID, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("closing metrics sinks failed", logging.Error(err))
		}
	}()

	driverCfg := cfg.DriverConfig(runID)
	driverCfg.Progress = progress
	driver, err := training.NewDriver(driverCfg, data, trainer, ckpt, sink, logging.NewComponentLogger(logger, "driver"))
	if err != nil {
		return err
	}

	summary, err := driver.Run(signalCtx)
	logResourceStats(logger, data)
	if errors.Is(err, context.Canceled) {
		logger.Warn("training interrupted; rerun to resume from the last checkpoint",
			slog.Int("epoch", summary.State.Epoch),
			slog.Int("global_step", summary.State.GlobalStep))
	}
	if len(summary.Epochs) > 0 {
		fmt.Fprintln(out, renderEpochTable(summary.Epochs))
	}
	if err != nil {
		return err
	}
	if summary.State.HasBest {
		fmt.Fprintf(out, "Best val/loss %.4f at epoch %d (%s)\n", summary.State.BestLoss, summary.State.BestEpoch, summary.State.BestFile)
	}
	return nil
}

// openSinks opens the local tracking store and, when configured, the remote
// dashboard. An unreachable dashboard is logged and skipped.
func openSinks(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (training.MultiSink, error) {
	storeCfg, err := cfg.StoreConfig(runID)
	if err != nil {
		return nil, err
	}
	store, err := tracking.Open(ctx, storeCfg, logging.NewComponentLogger(logger, "tracking"))
	if err != nil {
		return nil, fmt.Errorf("open tracking store: %w", err)
	}
	sinks := training.MultiSink{store}

	if remoteCfg, ok := cfg.RemoteConfig(runID); ok {
		remote, err := tracking.NewRemoteSink(remoteCfg, logging.NewComponentLogger(logger, "remote"))
		if err != nil {
			return sinks, errors.Join(err, sinks.Close())
		}
		if err := remote.CheckHealth(ctx); err != nil {
			logger.Warn("remote metrics endpoint unavailable; continuing with local tracking only",
				slog.String("endpoint", remoteCfg.Endpoint), logging.Error(err))
		} else {
			sinks = append(sinks, remote)
		}
	}
	return sinks, nil
}

// logResourceStats reports the sample cache and kernel scratch pool at debug
// level once training stops.
func logResourceStats(logger *slog.Logger, data *dataloader.DataModule) {
	if stats, ok := data.CacheStats(); ok {
		logger.Debug("sample cache", slog.String("stats", stats.String()))
	}
	logger.Debug("scratch buffers", slog.String("stats", tensor.Scratch().String()))
}

func renderEpochTable(epochs []training.TrainingMetrics) string {
	rows := make([][]string, 0, len(epochs))
	for _, m := range epochs {
		best := ""
		if m.BestPath != "" {
			best = "*"
		}
		valLoss, valStd := "-", "-"
		if m.ValBatches > 0 {
			valLoss = fmt.Sprintf("%.4f", m.ValLoss)
			valStd = fmt.Sprintf("%.4f", m.ValLossStd)
		}
		rows = append(rows, []string{
			strconv.Itoa(m.Epoch),
			fmt.Sprintf("%.4f", m.TrainLoss),
			valLoss,
			valStd,
			m.EpochDuration.Round(time.Millisecond).String(),
			best,
		})
	}
	return renderTable(
		[]string{"Epoch", "Train loss", "Val loss", "Val std", "Duration", "Best"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
	)
}
