package checkpoints

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/models"
	"google.golang.org/protobuf/encoding/protowire"
)

func testNetwork(t *testing.T) models.Network {
	t.Helper()
	opts := models.DefaultOptions()
	opts.Widths = [3]int{2, 4, 4}
	net, err := models.New("unet", opts)
	if err != nil {
		t.Fatalf("models.New failed: %v", err)
	}
	return net
}

func testCheckpoint(t *testing.T, net models.Network) *Checkpoint {
	t.Helper()
	return &Checkpoint{
		ModelSpec: net.Spec(),
		Weights:   ExtractWeights(net.Parameters()),
		TrainingState: TrainingState{
			Epoch:        3,
			GlobalStep:   120,
			StepInEpoch:  7,
			LearningRate: 0.001,
			HasBest:      true,
			BestLoss:     0.125,
			BestEpoch:    2,
			BestFile:     "2-0.1250.ckpt",
			HasLast:      true,
			LastLoss:     0.25,
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]float64{"learning_rate": 0.001, "step_count": 120},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{2}, Data: []float32{0.5, -0.5}, StateType: "momentum"},
			},
		},
		Metadata: CheckpointMetadata{
			RunID:       "run-1",
			Description: "Test checkpoint",
			Tags:        []string{"test"},
			CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatBinary, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			net := testNetwork(t)
			original := testCheckpoint(t, net)
			path := filepath.Join(t.TempDir(), "last"+format.Extension())

			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(original, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}

			if loaded.TrainingState != original.TrainingState {
				t.Errorf("training state = %+v, want %+v", loaded.TrainingState, original.TrainingState)
			}
			if loaded.Metadata.Framework != frameworkName || loaded.Metadata.RunID != "run-1" {
				t.Errorf("metadata = %+v", loaded.Metadata)
			}
			if !loaded.Metadata.CreatedAt.Equal(original.Metadata.CreatedAt) {
				t.Errorf("created at = %v, want %v", loaded.Metadata.CreatedAt, original.Metadata.CreatedAt)
			}
			if loaded.OptimizerState == nil || loaded.OptimizerState.Parameters["step_count"] != 120 {
				t.Fatalf("optimizer state = %+v", loaded.OptimizerState)
			}
			if st := loaded.OptimizerState.StateData[0]; st.StateType != "momentum" || st.Data[1] != -0.5 {
				t.Errorf("optimizer tensor = %+v", st)
			}
			if err := loaded.Verify(net.Spec()); err != nil {
				t.Errorf("Verify failed: %v", err)
			}

			// Weights restore into a differently initialised network.
			opts := models.DefaultOptions()
			opts.Widths = [3]int{2, 4, 4}
			opts.Seed = 99
			other, _ := models.New("unet", opts)
			if err := LoadWeights(loaded.Weights, other.Parameters()); err != nil {
				t.Fatalf("LoadWeights failed: %v", err)
			}
			for i, p := range other.Parameters() {
				if !p.Value.AllClose(net.Parameters()[i].Value, 0) {
					t.Fatalf("parameter %s not restored", p.Name)
				}
			}
		})
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	net := testNetwork(t)
	if err := NewCheckpointSaver(FormatBinary).SaveCheckpoint(testCheckpoint(t, net), filepath.Join(dir, "last.ckpt")); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "last.ckpt" {
		t.Errorf("directory contains %v", entries)
	}
}

func TestLoadCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	net := testNetwork(t)
	saver := NewCheckpointSaver(FormatBinary)
	path := filepath.Join(dir, "last.ckpt")
	if err := saver.SaveCheckpoint(testCheckpoint(t, net), path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	t.Run("truncated", func(t *testing.T) {
		data, _ := os.ReadFile(path)
		truncated := filepath.Join(dir, "truncated.ckpt")
		os.WriteFile(truncated, data[:len(data)/2], 0o644)
		if _, err := saver.LoadCheckpoint(truncated); !errors.Is(err, ErrCheckpointCorrupt) {
			t.Errorf("expected ErrCheckpointCorrupt, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		garbage := filepath.Join(dir, "garbage.ckpt")
		os.WriteFile(garbage, []byte("not a checkpoint"), 0o644)
		if _, err := saver.LoadCheckpoint(garbage); !errors.Is(err, ErrCheckpointCorrupt) {
			t.Errorf("expected ErrCheckpointCorrupt, got %v", err)
		}
		if _, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(garbage); !errors.Is(err, ErrCheckpointCorrupt) {
			t.Errorf("expected ErrCheckpointCorrupt from JSON loader, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := saver.LoadCheckpoint(filepath.Join(dir, "absent.ckpt"))
		if !errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrCheckpointCorrupt) {
			t.Errorf("expected a not-exist error, got %v", err)
		}
	})

	t.Run("incompatible", func(t *testing.T) {
		loaded, err := saver.LoadCheckpoint(path)
		if err != nil {
			t.Fatalf("LoadCheckpoint failed: %v", err)
		}
		opts := models.DefaultOptions()
		opts.Widths = [3]int{2, 4, 8}
		wider, _ := models.New("unet", opts)
		if err := loaded.Verify(wider.Spec()); !errors.Is(err, ErrCheckpointCorrupt) {
			t.Errorf("expected ErrCheckpointCorrupt from Verify, got %v", err)
		}
		if err := LoadWeights(loaded.Weights, wider.Parameters()); !errors.Is(err, ErrCheckpointCorrupt) {
			t.Errorf("expected ErrCheckpointCorrupt from LoadWeights, got %v", err)
		}
	})
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want CheckpointFormat
		ok   bool
	}{
		{"", FormatBinary, true},
		{"binary", FormatBinary, true},
		{"JSON", FormatJSON, true},
		{"onnx", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err == nil) != tt.ok || (tt.ok && got != tt.want) {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.in, got, err)
		}
	}
	if FormatForPath("a/last.json") != FormatJSON || FormatForPath("a/last.ckpt") != FormatBinary {
		t.Errorf("FormatForPath did not follow extensions")
	}
}

// onnxSummary collects the parts of an ONNX model the tests inspect.
type onnxSummary struct {
	irVersion    uint64
	opset        uint64
	opTypes      []string
	initializers []string
	inputs       []string
	outputs      []string
}

func readONNX(t *testing.T, data []byte) onnxSummary {
	t.Helper()
	var s onnxSummary
	stringField := func(msg []byte, want protowire.Number) string {
		var out string
		consumeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == want && typ == protowire.BytesType {
				v, n := protowire.ConsumeString(b)
				out = v
				return n, nil
			}
			return 0, nil
		})
		return out
	}

	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == modelIRVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.irVersion = v
			return n, nil
		case num == modelOpsetImport && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			consumeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == 2 && typ == protowire.VarintType {
					v, n := protowire.ConsumeVarint(b)
					s.opset = v
					return n, nil
				}
				return 0, nil
			})
			return n, nil
		case num == modelGraph && typ == protowire.BytesType:
			graph, n := protowire.ConsumeBytes(b)
			err := consumeFields(graph, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if typ != protowire.BytesType {
					return 0, nil
				}
				msg, n := protowire.ConsumeBytes(b)
				switch num {
				case graphNode:
					s.opTypes = append(s.opTypes, stringField(msg, nodeOpType))
				case graphInitializer:
					s.initializers = append(s.initializers, stringField(msg, tensorName))
				case graphInput:
					s.inputs = append(s.inputs, stringField(msg, 1))
				case graphOutput:
					s.outputs = append(s.outputs, stringField(msg, 1))
				}
				return n, nil
			})
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("failed to parse ONNX model: %v", err)
	}
	return s
}

func TestONNXExport(t *testing.T) {
	net := testNetwork(t)
	checkpoint := testCheckpoint(t, net)
	path := filepath.Join(t.TempDir(), "model.onnx")

	if err := NewONNXExporter().ExportToONNX(checkpoint, path); err != nil {
		t.Fatalf("ExportToONNX failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read export: %v", err)
	}
	s := readONNX(t, data)

	if s.irVersion != onnxIRVersion || s.opset != onnxOpsetVersion {
		t.Errorf("ir=%d opset=%d", s.irVersion, s.opset)
	}
	counts := map[string]int{}
	for _, op := range s.opTypes {
		counts[op]++
	}
	want := map[string]int{"Conv": 11, "Relu": 10, "MaxPool": 2, "Resize": 2, "Concat": 2}
	for op, n := range want {
		if counts[op] != n {
			t.Errorf("%d %s nodes, want %d", counts[op], op, n)
		}
	}
	// Two tensors per convolution plus one scales tensor per resize.
	if len(s.initializers) != 2*11+2 {
		t.Errorf("%d initializers, want %d", len(s.initializers), 2*11+2)
	}
	if len(s.inputs) != 1 || s.inputs[0] != "input" || len(s.outputs) != 1 || s.outputs[0] != "final" {
		t.Errorf("graph io = %v -> %v", s.inputs, s.outputs)
	}
}

func TestONNXExportRejectsUnknownLayers(t *testing.T) {
	checkpoint := &Checkpoint{ModelSpec: &layers.ModelSpec{
		Name:   "bad",
		Layers: []layers.LayerSpec{{Type: layers.LayerType(99), Name: "mystery", Inputs: []string{"input"}}},
	}}
	if _, err := NewONNXExporter().Marshal(checkpoint); err == nil {
		t.Errorf("expected an error exporting an unknown layer type")
	}
}
