package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/caljoseph/photochrom-ai/checkpoints"
	"github.com/caljoseph/photochrom-ai/models"
	"github.com/caljoseph/photochrom-ai/tracking"
	"github.com/caljoseph/photochrom-ai/training"
)

func newSummaryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the configured network's layers and parameter counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			net, err := models.New(cfg.Model.Name, cfg.ModelOptions())
			if err != nil {
				return err
			}
			printer := training.NewModelArchitecturePrinter(cfg.Model.Name)
			fmt.Fprintln(cmd.OutOrStdout(), printer.Render(net.Spec(), cfg.Height(), cfg.Width()))
			return nil
		},
	}
}

func newCheckpointsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List the checkpoints of the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			dir := filepath.Join(cfg.Checkpoint.Dir, cfg.Model.Name)
			infos, err := training.ListCheckpoints(dir)
			out := cmd.OutOrStdout()
			if errors.Is(err, fs.ErrNotExist) || (err == nil && len(infos) == 0) {
				fmt.Fprintf(out, "No checkpoints in %s\n", dir)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderCheckpointTable(infos))
			return nil
		},
	}
}

func renderCheckpointTable(infos []training.CheckpointInfo) string {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		row := []string{info.Kind, filepath.Base(info.Path), humanize.IBytes(uint64(info.Size))}
		if info.Err != nil {
			row = append(row, "-", "-", "-", "-", "unreadable: "+info.Err.Error())
			rows = append(rows, row)
			continue
		}
		best := "-"
		if info.State.HasBest {
			best = fmt.Sprintf("%.4f", info.State.BestLoss)
		}
		row = append(row,
			strconv.Itoa(info.State.Epoch),
			strconv.Itoa(info.State.GlobalStep),
			best,
			info.Metadata.RunID,
			info.Metadata.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
		rows = append(rows, row)
	}
	return renderTable(
		[]string{"Kind", "File", "Size", "Next epoch", "Step", "Best loss", "Run", "Saved"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func newExportONNXCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "export-onnx <checkpoint> <out.onnx>",
		Short:       "Export checkpoint weights as an ONNX model",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(src)).LoadCheckpoint(src)
			if err != nil {
				return err
			}
			if err := checkpoints.NewONNXExporter().ExportToONNX(ckpt, dst); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s (epoch %d) to %s\n", ckpt.ModelSpec.Name, ckpt.TrainingState.Epoch, dst)
			return nil
		},
	}
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List tracked training runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := tracking.OpenReadOnly(cfg.Logger.Dir, cfg.Logger.Project)
			out := cmd.OutOrStdout()
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(out, "No runs tracked for project %s\n", cfg.Logger.Project)
				return nil
			}
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Runs(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				status := "running"
				if !run.FinishedAt.IsZero() {
					status = "finished " + humanize.Time(run.FinishedAt)
				}
				rows = append(rows, []string{
					run.ID,
					run.StartedAt.Local().Format(time.DateTime),
					strconv.Itoa(run.Steps),
					status,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Run", "Started", "Steps", "Status"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	runsCmd.AddCommand(newRunShowCommand(ctx))
	return runsCmd
}

func newRunShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the latest value of every metric of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := tracking.OpenReadOnly(cfg.Logger.Dir, cfg.Logger.Project)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.Run(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			names, err := store.ScalarNames(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				series, err := store.Scalars(cmd.Context(), run.ID, name)
				if err != nil {
					return err
				}
				if len(series) == 0 {
					continue
				}
				last := series[len(series)-1]
				rows = append(rows, []string{name, strconv.Itoa(len(series)), strconv.Itoa(last.Step), fmt.Sprintf("%.5g", last.Value)})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s (%d steps)\n", run.ID, run.Steps)
			fmt.Fprintln(out, renderTable(
				[]string{"Metric", "Points", "Last step", "Last value"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}
