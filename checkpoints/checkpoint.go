package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caljoseph/photochrom-ai/layers"
)

// ErrCheckpointCorrupt reports a checkpoint that cannot be decoded or does
// not match the network it is being restored into.
var ErrCheckpointCorrupt = errors.New("checkpoints: corrupt or incompatible checkpoint")

const (
	formatVersion = "1.0.0"
	frameworkName = "photochrom"
)

// CheckpointFormat represents the format for saving checkpoints
type CheckpointFormat int

const (
	FormatBinary CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Extension returns the file extension, including the dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return ".json"
	default:
		return ".ckpt"
	}
}

// ParseFormat maps a configuration string to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "binary", "ckpt":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format %q", s)
	}
}

// FormatForPath infers the format from a file extension.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatBinary
}

// Checkpoint represents a complete model checkpoint
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a single weight tensor
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress. Epoch is the epoch
// to run next, and StepInEpoch counts batches of it already applied, so a
// checkpoint taken mid-epoch resumes where it stopped.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	GlobalStep   int     `json:"global_step"`
	StepInEpoch  int     `json:"step_in_epoch"`
	LearningRate float32 `json:"learning_rate"`

	HasBest   bool    `json:"has_best"`
	BestLoss  float32 `json:"best_loss"`
	BestEpoch int     `json:"best_epoch"`
	BestFile  string  `json:"best_file,omitempty"`

	HasLast  bool    `json:"has_last"`
	LastLoss float32 `json:"last_loss"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes a checkpoint atomically: the data goes to a sibling
// temp file which is synced and renamed over path.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = formatVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatBinary:
		data, err = MarshalBinary(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint. Decode failures wrap
// ErrCheckpointCorrupt; a missing file surfaces as fs.ErrNotExist.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatBinary:
		checkpoint, err = UnmarshalBinary(data)
	case FormatJSON:
		checkpoint = &Checkpoint{}
		if jerr := json.Unmarshal(data, checkpoint); jerr != nil {
			err = fmt.Errorf("%w: %v", ErrCheckpointCorrupt, jerr)
		}
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("%s: %w: missing model spec", path, ErrCheckpointCorrupt)
	}
	return checkpoint, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// ExtractWeights copies parameter values into checkpoint form.
func ExtractWeights(params []*layers.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		layer, kind := splitParameterName(p.Name)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies checkpoint weights into params, matching by name. Every
// parameter must be present with the same shape.
func LoadWeights(weights []WeightTensor, params []*layers.Parameter) error {
	if len(weights) != len(params) {
		return fmt.Errorf("%w: %d weights for %d parameters", ErrCheckpointCorrupt, len(weights), len(params))
	}
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing weight %s", ErrCheckpointCorrupt, p.Name)
		}
		if len(w.Shape) != len(p.Value.Shape) || len(w.Data) != len(p.Value.Data) {
			return fmt.Errorf("%w: weight %s has shape %v, expected %v", ErrCheckpointCorrupt, w.Name, w.Shape, p.Value.Shape)
		}
		for i, d := range w.Shape {
			if d != p.Value.Shape[i] {
				return fmt.Errorf("%w: weight %s has shape %v, expected %v", ErrCheckpointCorrupt, w.Name, w.Shape, p.Value.Shape)
			}
		}
	}
	for _, p := range params {
		copy(p.Value.Data, byName[p.Name].Data)
	}
	return nil
}

// Verify checks that the checkpoint was written for a network with the given
// spec and parameters.
func (c *Checkpoint) Verify(spec *layers.ModelSpec) error {
	if c.ModelSpec == nil {
		return fmt.Errorf("%w: missing model spec", ErrCheckpointCorrupt)
	}
	if err := spec.Compatible(c.ModelSpec); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	return nil
}

func splitParameterName(name string) (layer, kind string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, "weight"
	}
	return name[:i], name[i+1:]
}
