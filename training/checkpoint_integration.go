package training

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/caljoseph/photochrom-ai/checkpoints"
	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/logging"
)

// ErrCheckpointLocked is returned when another process holds the checkpoint
// directory.
var ErrCheckpointLocked = errors.New("checkpoint directory is locked by another run")

const (
	lastCheckpointName = "last"
	lockFileName       = ".lock"
)

// Checkpointable is the trainer surface the checkpoint manager reads from
// and restores into.
type Checkpointable interface {
	Spec() *layers.ModelSpec
	Parameters() []*layers.Parameter
	LearningRate() float32
	State() ModelState
	SetState(ModelState)
	OptimizerState() (*checkpoints.OptimizerState, error)
	RestoreOptimizerState(*checkpoints.OptimizerState) error
	MarkCheckpointed()
}

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	Dir            string                       // Root checkpoint directory
	ModelName      string                       // Subdirectory per model variant
	Format         checkpoints.CheckpointFormat // Binary or JSON
	FreshOnCorrupt bool                         // Start fresh instead of failing on a corrupt last checkpoint
	RunID          string                       // Recorded in checkpoint metadata
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Dir:       "./checkpoints",
		ModelName: "unet",
		Format:    checkpoints.FormatBinary,
	}
}

// ResumeResult describes what Resume found.
type ResumeResult struct {
	Resumed bool   // a last checkpoint was restored
	Path    string // the last checkpoint path
	State   ModelState
	Corrupt bool // the last checkpoint was unusable and the run started fresh
}

// CheckpointManager owns one model's checkpoint directory. It keeps at most
// two files there, the last checkpoint and the best by validation loss, and
// holds an exclusive lock on the directory until Close.
type CheckpointManager struct {
	config CheckpointConfig
	dir    string
	saver  *checkpoints.CheckpointSaver
	lock   *flock.Flock
	logger *slog.Logger
}

// NewCheckpointManager creates the checkpoint directory and locks it.
func NewCheckpointManager(config CheckpointConfig, logger *slog.Logger) (*CheckpointManager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if config.ModelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	dir := filepath.Join(config.Dir, config.ModelName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointLocked, dir)
	}

	return &CheckpointManager{
		config: config,
		dir:    dir,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		lock:   lock,
		logger: logger.With(slog.String("checkpoint_dir", dir)),
	}, nil
}

// Dir returns the per-model checkpoint directory.
func (cm *CheckpointManager) Dir() string {
	return cm.dir
}

// LastPath returns the path of the last checkpoint.
func (cm *CheckpointManager) LastPath() string {
	return filepath.Join(cm.dir, lastCheckpointName+cm.config.Format.Extension())
}

// BestFileName returns the file name used for a best checkpoint taken after
// epoch completed with the given validation loss.
func BestFileName(epoch int, metric float32, format checkpoints.CheckpointFormat) string {
	return fmt.Sprintf("%d-%.4f%s", epoch, metric, format.Extension())
}

// Save records the end of an epoch. When metric improves on the best so far
// a new best file is written and the previous one removed; the last
// checkpoint is always rewritten. It returns the path of the new best file,
// or "" when metric did not improve. A non-finite metric, as produced by an
// empty validation split, is neither recorded nor ever becomes best.
func (cm *CheckpointManager) Save(ctx context.Context, t Checkpointable, metric float32) (string, error) {
	state := t.State()
	finite := !math.IsNaN(float64(metric)) && !math.IsInf(float64(metric), 0)
	state.HasLast = finite
	state.LastLoss = 0
	if finite {
		state.LastLoss = metric
	}

	completed := max(state.Epoch-1, 0)
	improved := finite && (!state.HasBest || metric < state.BestLoss)
	previousBest := state.BestFile

	var bestPath string
	if improved {
		state.HasBest = true
		state.BestLoss = metric
		state.BestEpoch = completed
		state.BestFile = BestFileName(completed, metric, cm.config.Format)
		bestPath = filepath.Join(cm.dir, state.BestFile)

		desc := fmt.Sprintf("Best checkpoint - epoch %d, val loss %.6f", completed, metric)
		if err := cm.write(t, state, bestPath, desc, "best"); err != nil {
			return "", err
		}
	}

	desc := fmt.Sprintf("Last checkpoint - epoch %d, step %d", completed, state.GlobalStep)
	if err := cm.write(t, state, cm.LastPath(), desc, "last"); err != nil {
		return "", err
	}
	t.SetState(state)
	t.MarkCheckpointed()

	if improved && previousBest != "" && previousBest != state.BestFile {
		if err := os.Remove(filepath.Join(cm.dir, previousBest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			cm.logger.WarnContext(ctx, "failed to remove superseded best checkpoint",
				slog.String("file", previousBest), logging.Error(err))
		}
	}

	cm.logger.InfoContext(ctx, "checkpoint saved",
		slog.Int("epoch", completed),
		slog.Int("global_step", state.GlobalStep),
		slog.Float64("val_loss", float64(metric)),
		slog.Bool("best", improved))
	return bestPath, nil
}

// SaveLast writes only the last checkpoint, for interval saves inside an
// epoch.
func (cm *CheckpointManager) SaveLast(ctx context.Context, t Checkpointable) error {
	state := t.State()
	desc := fmt.Sprintf("Interval checkpoint - epoch %d, step %d", state.Epoch, state.StepInEpoch)
	if err := cm.write(t, state, cm.LastPath(), desc, "last"); err != nil {
		return err
	}
	t.MarkCheckpointed()
	cm.logger.DebugContext(ctx, "interval checkpoint saved",
		slog.Int("epoch", state.Epoch),
		slog.Int("step_in_epoch", state.StepInEpoch),
		slog.Int("global_step", state.GlobalStep))
	return nil
}

func (cm *CheckpointManager) write(t Checkpointable, state ModelState, path, description, tag string) error {
	optState, err := t.OptimizerState()
	if err != nil {
		return fmt.Errorf("failed to capture optimizer state: %w", err)
	}
	ckpt := &checkpoints.Checkpoint{
		ModelSpec:      t.Spec(),
		Weights:        checkpoints.ExtractWeights(t.Parameters()),
		TrainingState:  state.trainingState(t.LearningRate()),
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.config.RunID,
			Description: description,
			Tags:        []string{tag, fmt.Sprintf("epoch_%d", state.Epoch)},
		},
	}
	if err := cm.saver.SaveCheckpoint(ckpt, path); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Load reads the checkpoint at path and restores weights, optimizer moments
// and counters into t. Any mismatch with t's network yields
// ErrCheckpointCorrupt, and t is left as it was.
func (cm *CheckpointManager) Load(path string, t Checkpointable) (*checkpoints.Checkpoint, error) {
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path)).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if err := restoreCheckpoint(ckpt, t); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ckpt, nil
}

func restoreCheckpoint(ckpt *checkpoints.Checkpoint, t Checkpointable) error {
	if err := ckpt.Verify(t.Spec()); err != nil {
		return err
	}

	params := t.Parameters()
	snapshot := checkpoints.ExtractWeights(params)
	if err := checkpoints.LoadWeights(ckpt.Weights, params); err != nil {
		return err
	}
	if ckpt.OptimizerState != nil {
		if err := t.RestoreOptimizerState(ckpt.OptimizerState); err != nil {
			// Undo the weight copy so a fresh start sees the initial network.
			if rerr := checkpoints.LoadWeights(snapshot, params); rerr != nil {
				return errors.Join(err, rerr)
			}
			return fmt.Errorf("%w: optimizer state: %v", checkpoints.ErrCheckpointCorrupt, err)
		}
	}
	t.SetState(modelStateFrom(ckpt.TrainingState))
	t.MarkCheckpointed()
	return nil
}

// Resume restores the last checkpoint into t if one exists. A missing file
// leaves t fresh. A corrupt file is an error unless FreshOnCorrupt is set.
func (cm *CheckpointManager) Resume(ctx context.Context, t Checkpointable) (ResumeResult, error) {
	path := cm.LastPath()
	result := ResumeResult{Path: path}

	_, err := cm.Load(path, t)
	switch {
	case err == nil:
		result.Resumed = true
		result.State = t.State()
		cm.removeStaleBest(ctx, result.State.BestFile)
		cm.logger.InfoContext(ctx, "resumed from checkpoint",
			slog.String("file", filepath.Base(path)),
			slog.Int("epoch", result.State.Epoch),
			slog.Int("step_in_epoch", result.State.StepInEpoch),
			slog.Int("global_step", result.State.GlobalStep))
		return result, nil
	case errors.Is(err, fs.ErrNotExist):
		cm.logger.InfoContext(ctx, "no checkpoint found, starting fresh")
		return result, nil
	case errors.Is(err, checkpoints.ErrCheckpointCorrupt) && cm.config.FreshOnCorrupt:
		result.Corrupt = true
		cm.logger.WarnContext(ctx, "ignoring corrupt checkpoint, starting fresh",
			slog.String("file", filepath.Base(path)),
			logging.Error(err))
		return result, nil
	default:
		return result, fmt.Errorf("failed to resume: %w", err)
	}
}

// removeStaleBest deletes best files of the active format other than keep.
// They are left behind when a run stops between rewriting last and removing
// the superseded best.
func (cm *CheckpointManager) removeStaleBest(ctx context.Context, keep string) {
	entries, err := os.ReadDir(cm.dir)
	if err != nil {
		cm.logger.WarnContext(ctx, "failed to scan checkpoint directory", logging.Error(err))
		return
	}
	ext := cm.config.Format.Extension()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == keep || filepath.Ext(name) != ext || bestEpoch(name) < 0 {
			continue
		}
		if err := os.Remove(filepath.Join(cm.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			cm.logger.WarnContext(ctx, "failed to remove stale best checkpoint",
				slog.String("file", name), logging.Error(err))
			continue
		}
		cm.logger.InfoContext(ctx, "removed stale best checkpoint", slog.String("file", name))
	}
}

// Close releases the directory lock.
func (cm *CheckpointManager) Close() error {
	return cm.lock.Unlock()
}

// CheckpointInfo summarizes one checkpoint file.
type CheckpointInfo struct {
	Path     string
	Kind     string // "last" or "best"
	Size     int64
	State    checkpoints.TrainingState
	Metadata checkpoints.CheckpointMetadata
	Err      error // set when the file could not be decoded
}

// ListCheckpoints describes every checkpoint file in dir, last first, then
// best files by epoch. It does not take the directory lock.
func ListCheckpoints(dir string) ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var infos []CheckpointInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		if ext != checkpoints.FormatBinary.Extension() && ext != checkpoints.FormatJSON.Extension() {
			continue
		}

		info := CheckpointInfo{Path: filepath.Join(dir, name), Kind: "best"}
		if strings.TrimSuffix(name, ext) == lastCheckpointName {
			info.Kind = lastCheckpointName
		}
		if fi, err := entry.Info(); err == nil {
			info.Size = fi.Size()
		}
		ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(name)).LoadCheckpoint(info.Path)
		if err != nil {
			info.Err = err
		} else {
			info.State = ckpt.TrainingState
			info.Metadata = ckpt.Metadata
		}
		infos = append(infos, info)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if (infos[i].Kind == lastCheckpointName) != (infos[j].Kind == lastCheckpointName) {
			return infos[i].Kind == lastCheckpointName
		}
		return bestEpoch(infos[i].Path) < bestEpoch(infos[j].Path)
	})
	return infos, nil
}

func bestEpoch(path string) int {
	name := filepath.Base(path)
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return -1
	}
	epoch, err := strconv.Atoi(prefix)
	if err != nil {
		return -1
	}
	return epoch
}
