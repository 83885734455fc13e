package training

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/caljoseph/photochrom-ai/checkpoints"
)

func newTestManager(t *testing.T, dir string, format checkpoints.CheckpointFormat) *CheckpointManager {
	t.Helper()
	cm, err := NewCheckpointManager(CheckpointConfig{
		Dir:       dir,
		ModelName: "unet",
		Format:    format,
		RunID:     "test-run",
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create checkpoint manager: %v", err)
	}
	t.Cleanup(func() { cm.Close() })
	return cm
}

func checkpointFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		if e.Name() != lockFileName {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// finishEpoch runs one step and marks the epoch complete, as the driver does
// before saving.
func finishEpoch(t *testing.T, trainer *ModelTrainer, seed uint64) {
	t.Helper()
	if _, err := trainer.TrainStep(newTestBatch(2, seed, 0.1)); err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	trainer.CompleteEpoch()
}

func TestCheckpointManagerKeepsLastAndBest(t *testing.T) {
	ctx := context.Background()
	cm := newTestManager(t, t.TempDir(), checkpoints.FormatBinary)
	trainer := newTestTrainer(t)

	finishEpoch(t, trainer, 1)
	best, err := cm.Save(ctx, trainer, 0.5)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if filepath.Base(best) != "0-0.5000.ckpt" {
		t.Errorf("Best path = %q, want 0-0.5000.ckpt", best)
	}
	if trainer.Status() != StatusCheckpointed {
		t.Errorf("Expected checkpointed status, got %s", trainer.Status())
	}
	if got := checkpointFiles(t, cm.Dir()); len(got) != 2 || got[0] != "0-0.5000.ckpt" || got[1] != "last.ckpt" {
		t.Fatalf("Unexpected files after first save: %v", got)
	}

	// Worse metric: best is kept, last is rewritten.
	finishEpoch(t, trainer, 2)
	best, err = cm.Save(ctx, trainer, 0.7)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if best != "" {
		t.Errorf("Worse metric produced best path %q", best)
	}
	state := trainer.State()
	if state.BestLoss != 0.5 || state.BestEpoch != 0 || state.LastLoss != 0.7 || !state.HasLast {
		t.Errorf("Unexpected state after worse save: %+v", state)
	}

	// Better metric replaces the previous best.
	finishEpoch(t, trainer, 3)
	if _, err := cm.Save(ctx, trainer, 0.25); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got := checkpointFiles(t, cm.Dir())
	if len(got) != 2 || got[0] != "2-0.2500.ckpt" || got[1] != "last.ckpt" {
		t.Fatalf("Unexpected files after improvement: %v", got)
	}
	if trainer.State().BestFile != "2-0.2500.ckpt" {
		t.Errorf("BestFile = %q", trainer.State().BestFile)
	}
}

func TestCheckpointManagerResume(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatBinary, checkpoints.FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			cm := newTestManager(t, dir, format)
			trainer := newTestTrainer(t)
			finishEpoch(t, trainer, 1)
			if _, err := cm.Save(ctx, trainer, 0.4); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			// Mid-epoch interval checkpoint.
			if _, err := trainer.TrainStep(newTestBatch(2, 5, 0.1)); err != nil {
				t.Fatalf("TrainStep failed: %v", err)
			}
			if err := cm.SaveLast(ctx, trainer); err != nil {
				t.Fatalf("SaveLast failed: %v", err)
			}
			want := trainer.State()
			weights := snapshotParameters(trainer.Parameters())
			fixed := newTestBatch(1, 42, 0)
			wantPred, err := trainer.Predict(fixed.L)
			if err != nil {
				t.Fatalf("Predict failed: %v", err)
			}
			cm.Close()

			resumedManager := newTestManager(t, dir, format)
			resumed := newTestTrainer(t)
			result, err := resumedManager.Resume(ctx, resumed)
			if err != nil {
				t.Fatalf("Resume failed: %v", err)
			}
			if !result.Resumed || result.Corrupt {
				t.Fatalf("Unexpected resume result: %+v", result)
			}
			if result.State != want {
				t.Errorf("Resumed state = %+v, want %+v", result.State, want)
			}
			if result.State.Epoch != 1 || result.State.StepInEpoch != 1 || result.State.GlobalStep != 2 {
				t.Errorf("Unexpected counters: %+v", result.State)
			}
			if !parametersEqual(weights, snapshotParameters(resumed.Parameters())) {
				t.Errorf("Resumed weights differ from saved weights")
			}
			gotPred, err := resumed.Predict(fixed.L)
			if err != nil {
				t.Fatalf("Predict after resume failed: %v", err)
			}
			if !gotPred.AllClose(wantPred, 0) {
				t.Errorf("Resumed predictions differ from saved network's predictions")
			}
			if resumed.GetStats().Optimizer.StepCount != 2 {
				t.Errorf("Optimizer step count = %d, want 2", resumed.GetStats().Optimizer.StepCount)
			}
		})
	}
}

func TestCheckpointManagerNaNMetric(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatBinary, checkpoints.FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			cm := newTestManager(t, dir, format)
			trainer := newTestTrainer(t)

			finishEpoch(t, trainer, 1)
			best, err := cm.Save(ctx, trainer, float32(math.NaN()))
			if err != nil {
				t.Fatalf("Save with NaN metric failed: %v", err)
			}
			if best != "" {
				t.Errorf("NaN metric produced best path %q", best)
			}
			state := trainer.State()
			if state.HasBest || state.HasLast || state.LastLoss != 0 {
				t.Errorf("NaN metric was recorded: %+v", state)
			}
			if got := checkpointFiles(t, cm.Dir()); len(got) != 1 || got[0] != "last"+format.Extension() {
				t.Fatalf("Unexpected files: %v", got)
			}

			// A later finite metric becomes best as usual.
			finishEpoch(t, trainer, 2)
			if best, err = cm.Save(ctx, trainer, 0.6); err != nil || best == "" {
				t.Fatalf("Save after NaN epoch: best=%q err=%v", best, err)
			}
			cm.Close()

			resumed := newTestTrainer(t)
			result, err := newTestManager(t, dir, format).Resume(ctx, resumed)
			if err != nil || !result.Resumed {
				t.Fatalf("Resume failed: %+v %v", result, err)
			}
			if !result.State.HasLast || result.State.LastLoss != 0.6 || result.State.BestLoss != 0.6 {
				t.Errorf("Unexpected resumed state: %+v", result.State)
			}
		})
	}
}

func TestCheckpointManagerResumeRemovesStaleBest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cm := newTestManager(t, dir, checkpoints.FormatBinary)
	trainer := newTestTrainer(t)
	finishEpoch(t, trainer, 1)
	if _, err := cm.Save(ctx, trainer, 0.5); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	finishEpoch(t, trainer, 2)
	if _, err := cm.Save(ctx, trainer, 0.3); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// A best left behind by a run that stopped before removing it, plus
	// files the manager does not own.
	for _, name := range []string{"0-0.5000.ckpt", "notes.txt", "0-0.5000.json"} {
		if err := os.WriteFile(filepath.Join(cm.Dir(), name), []byte("old"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	cm.Close()

	resumedManager := newTestManager(t, dir, checkpoints.FormatBinary)
	if _, err := resumedManager.Resume(ctx, newTestTrainer(t)); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	got := checkpointFiles(t, resumedManager.Dir())
	want := []string{"0-0.5000.json", "1-0.3000.ckpt", "last.ckpt", "notes.txt"}
	if len(got) != len(want) {
		t.Fatalf("Files after resume = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Files after resume = %v, want %v", got, want)
		}
	}
}

func TestCheckpointManagerResumeFresh(t *testing.T) {
	cm := newTestManager(t, t.TempDir(), checkpoints.FormatBinary)
	trainer := newTestTrainer(t)
	result, err := cm.Resume(context.Background(), trainer)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if result.Resumed || trainer.Status() != StatusFresh {
		t.Errorf("Expected fresh start, got %+v (%s)", result, trainer.Status())
	}
}

func TestCheckpointManagerCorrupt(t *testing.T) {
	dir := t.TempDir()
	cm := newTestManager(t, dir, checkpoints.FormatBinary)
	if err := os.WriteFile(cm.LastPath(), []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	trainer := newTestTrainer(t)
	if _, err := cm.Resume(context.Background(), trainer); !errors.Is(err, checkpoints.ErrCheckpointCorrupt) {
		t.Fatalf("Expected ErrCheckpointCorrupt, got %v", err)
	}
	cm.Close()

	lenient, err := NewCheckpointManager(CheckpointConfig{
		Dir:            dir,
		ModelName:      "unet",
		FreshOnCorrupt: true,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create checkpoint manager: %v", err)
	}
	defer lenient.Close()

	result, err := lenient.Resume(context.Background(), trainer)
	if err != nil {
		t.Fatalf("Resume with FreshOnCorrupt failed: %v", err)
	}
	if result.Resumed || !result.Corrupt {
		t.Errorf("Unexpected resume result: %+v", result)
	}
}

func TestCheckpointManagerArchitectureMismatch(t *testing.T) {
	ctx := context.Background()
	cm := newTestManager(t, t.TempDir(), checkpoints.FormatBinary)
	trainer := newTestTrainer(t)
	finishEpoch(t, trainer, 1)
	if _, err := cm.Save(ctx, trainer, 0.3); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	wider, err := NewModelTrainer(newTestNetwork(t, 3), DefaultTrainerConfig())
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	before := snapshotParameters(wider.Parameters())
	if _, err := cm.Load(cm.LastPath(), wider); !errors.Is(err, checkpoints.ErrCheckpointCorrupt) {
		t.Fatalf("Expected ErrCheckpointCorrupt, got %v", err)
	}
	if !parametersEqual(before, snapshotParameters(wider.Parameters())) {
		t.Errorf("Failed load modified parameters")
	}
	if wider.State().Epoch != 0 {
		t.Errorf("Failed load modified state: %+v", wider.State())
	}
}

func TestCheckpointManagerLock(t *testing.T) {
	dir := t.TempDir()
	cm := newTestManager(t, dir, checkpoints.FormatBinary)

	if _, err := NewCheckpointManager(CheckpointConfig{Dir: dir, ModelName: "unet"}, nil); !errors.Is(err, ErrCheckpointLocked) {
		t.Fatalf("Expected ErrCheckpointLocked, got %v", err)
	}

	if err := cm.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	again, err := NewCheckpointManager(CheckpointConfig{Dir: dir, ModelName: "unet"}, nil)
	if err != nil {
		t.Fatalf("Lock not released: %v", err)
	}
	again.Close()
}

func TestListCheckpoints(t *testing.T) {
	ctx := context.Background()
	cm := newTestManager(t, t.TempDir(), checkpoints.FormatBinary)
	trainer := newTestTrainer(t)
	finishEpoch(t, trainer, 1)
	if _, err := cm.Save(ctx, trainer, 0.9); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cm.Dir(), "7-0.1000.ckpt"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	infos, err := ListCheckpoints(cm.Dir())
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 checkpoints, got %d", len(infos))
	}
	if infos[0].Kind != "last" || infos[0].State.Epoch != 1 || infos[0].Metadata.RunID != "test-run" {
		t.Errorf("Unexpected last entry: %+v", infos[0])
	}
	if filepath.Base(infos[1].Path) != "0-0.9000.ckpt" || infos[1].Err != nil {
		t.Errorf("Unexpected best entry: %+v", infos[1])
	}
	if !errors.Is(infos[2].Err, checkpoints.ErrCheckpointCorrupt) {
		t.Errorf("Expected corrupt entry, got %+v", infos[2])
	}
}
