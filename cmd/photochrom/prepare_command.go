package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caljoseph/photochrom-ai/logging"
	"github.com/caljoseph/photochrom-ai/training"
	"github.com/caljoseph/photochrom-ai/vision/preprocessing"
)

func newPrepareCommand(ctx *commandContext) *cobra.Command {
	var cropSize int
	var valFraction float64

	cmd := &cobra.Command{
		Use:   "prepare <raw-dir> <out-dir>",
		Short: "Trim, square-crop and resize raw scan pairs into a training corpus",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			prepCfg := cfg.PrepareConfig()
			if cmd.Flags().Changed("crop-size") {
				prepCfg.CropSize = cropSize
			}
			if cmd.Flags().Changed("val-fraction") {
				prepCfg.ValFraction = valFraction
			}
			preparer, err := preprocessing.NewPreparer(prepCfg, logging.NewComponentLogger(logger, "prepare"))
			if err != nil {
				return err
			}

			var (
				bar     *training.ProgressBar
				barOnce sync.Once
			)
			preparer.Progress = func(done, total int) {
				barOnce.Do(func() {
					bar = training.NewProgressBar(os.Stderr, "preparing", total)
				})
				bar.Add(1)
			}
			result, err := preparer.Prepare(signalCtx, args[0], args[1])
			if bar != nil {
				bar.Finish()
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Prepared %d pairs (%d train, %d val) into %s\n", result.Train+result.Val, result.Train, result.Val, args[1])
			if len(result.Unpaired) > 0 {
				fmt.Fprintf(out, "Skipped %d unpaired stems\n", len(result.Unpaired))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&cropSize, "crop-size", 0, "Override prepare.crop_size")
	cmd.Flags().Float64Var(&valFraction, "val-fraction", 0, "Override prepare.val_fraction (0 writes a flat directory)")
	return cmd
}
