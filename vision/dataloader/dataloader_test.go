package dataloader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/caljoseph/photochrom-ai/tensor"
	"github.com/caljoseph/photochrom-ai/vision/dataset"
)

var errMockDecode = errors.New("mock decode failure")

// MockDataset implements the Dataset interface for testing
type MockDataset struct {
	n      int
	failAt int
	jitter bool
}

func (md *MockDataset) Len() int {
	return md.n
}

func (md *MockDataset) Sample(index int) (*dataset.Sample, error) {
	if index < 0 || index >= md.n {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, md.n)
	}
	if md.failAt >= 0 && index == md.failAt {
		return nil, errMockDecode
	}
	if md.jitter {
		// Later samples finish first, scrambling completion order.
		time.Sleep(time.Duration(md.n-index) * time.Millisecond)
	}
	return &dataset.Sample{
		ID: strconv.Itoa(index),
		L:  tensor.Full(float32(index), 1, 2, 2),
		AB: tensor.Zeros(2, 2, 2),
	}, nil
}

// NewMockDataset creates a mock dataset with the specified number of items
func NewMockDataset(numItems int) *MockDataset {
	return &MockDataset{n: numItems, failAt: -1}
}

func identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// collect drains a batch sequence into the IDs of each batch.
func collect(t *testing.T, dl *DataLoader, order []int, skip int) ([][]string, error) {
	t.Helper()
	var out [][]string
	for batch, err := range dl.Batches(context.Background(), order, skip) {
		if err != nil {
			return out, err
		}
		out = append(out, batch.IDs)
	}
	return out, nil
}

func TestNewDataLoader(t *testing.T) {
	if _, err := NewDataLoader(NewMockDataset(4), LoaderConfig{BatchSize: 0}); err == nil {
		t.Errorf("expected an error for a zero batch size")
	}
	if _, err := NewDataLoader(NewMockDataset(4), LoaderConfig{BatchSize: 2, NumWorkers: -1}); err == nil {
		t.Errorf("expected an error for negative workers")
	}
	dl, err := NewDataLoader(NewMockDataset(4), LoaderConfig{BatchSize: 4})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	if dl.prefetch != 2 {
		t.Errorf("default prefetch = %d, want 2", dl.prefetch)
	}
	if dl.NumBatches(10) != 3 || dl.NumBatches(8) != 2 || dl.NumBatches(0) != 0 {
		t.Errorf("NumBatches miscounted partial batches")
	}
}

func TestDataLoaderBatches(t *testing.T) {
	for _, workers := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("Workers%d", workers), func(t *testing.T) {
			ds := NewMockDataset(10)
			ds.jitter = workers > 0
			dl, err := NewDataLoader(ds, LoaderConfig{BatchSize: 4, NumWorkers: workers, PrefetchBatches: 1})
			if err != nil {
				t.Fatalf("NewDataLoader failed: %v", err)
			}

			order := []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
			batches, err := collect(t, dl, order, 0)
			if err != nil {
				t.Fatalf("iteration failed: %v", err)
			}
			want := [][]string{{"9", "8", "7", "6"}, {"5", "4", "3", "2"}, {"1", "0"}}
			if fmt.Sprint(batches) != fmt.Sprint(want) {
				t.Errorf("batches = %v, want %v", batches, want)
			}

			skipped, err := collect(t, dl, order, 2)
			if err != nil {
				t.Fatalf("iteration with skip failed: %v", err)
			}
			if fmt.Sprint(skipped) != fmt.Sprint(want[2:]) {
				t.Errorf("skipped batches = %v, want %v", skipped, want[2:])
			}
			if rest, _ := collect(t, dl, order, 5); len(rest) != 0 {
				t.Errorf("skipping past the end yielded %v", rest)
			}
		})
	}
}

func TestDataLoaderBatchTensors(t *testing.T) {
	dl, _ := NewDataLoader(NewMockDataset(3), LoaderConfig{BatchSize: 2})
	for batch, err := range dl.Batches(context.Background(), identity(3), 0) {
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		n := batch.Size()
		if !tensor.ShapesEqual(batch.L.Shape, []int{n, 1, 2, 2}) || !tensor.ShapesEqual(batch.AB.Shape, []int{n, 2, 2, 2}) {
			t.Fatalf("shapes L %v ab %v", batch.L.Shape, batch.AB.Shape)
		}
		for i, id := range batch.IDs {
			want, _ := strconv.Atoi(id)
			if batch.L.Data[i*4] != float32(want) {
				t.Errorf("sample %s carries L %v", id, batch.L.Data[i*4])
			}
		}
	}
}

func TestDataLoaderAbortsOnError(t *testing.T) {
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("Workers%d", workers), func(t *testing.T) {
			ds := NewMockDataset(10)
			ds.failAt = 5
			dl, _ := NewDataLoader(ds, LoaderConfig{BatchSize: 2, NumWorkers: workers})

			batches, err := collect(t, dl, identity(10), 0)
			if !errors.Is(err, errMockDecode) {
				t.Fatalf("expected the decode error, got %v", err)
			}
			if len(batches) != 2 {
				t.Errorf("yielded %d batches before the failure, want 2", len(batches))
			}
		})
	}
}

func TestDataLoaderEarlyStop(t *testing.T) {
	ds := NewMockDataset(20)
	dl, _ := NewDataLoader(ds, LoaderConfig{BatchSize: 2, NumWorkers: 2, PrefetchBatches: 1})
	count := 0
	for _, err := range dl.Batches(context.Background(), identity(20), 0) {
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestDataLoaderCancellation(t *testing.T) {
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("Workers%d", workers), func(t *testing.T) {
			dl, _ := NewDataLoader(NewMockDataset(8), LoaderConfig{BatchSize: 2, NumWorkers: workers})
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			var got error
			for _, err := range dl.Batches(ctx, identity(8), 0) {
				if err != nil {
					got = err
					break
				}
			}
			if !errors.Is(got, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", got)
			}
		})
	}
}

func TestRatioSplitIndices(t *testing.T) {
	s := RatioSplitStrategy{ValFraction: 0.1, Seed: 7}
	train, val := s.Indices(25)
	if len(val) != 2 || len(train) != 23 {
		t.Fatalf("split sizes %d/%d, want 23/2", len(train), len(val))
	}
	seen := map[int]bool{}
	for _, set := range [][]int{train, val} {
		for i, idx := range set {
			if seen[idx] {
				t.Fatalf("index %d appears twice", idx)
			}
			seen[idx] = true
			if i > 0 && set[i-1] >= idx {
				t.Errorf("indices not ascending: %v", set)
			}
		}
	}
	if len(seen) != 25 {
		t.Errorf("split covers %d indices, want 25", len(seen))
	}

	train2, val2 := s.Indices(25)
	if fmt.Sprint(train, val) != fmt.Sprint(train2, val2) {
		t.Errorf("same seed produced a different split")
	}
	if _, v := (RatioSplitStrategy{ValFraction: 0.1}).Indices(5); len(v) != 0 {
		t.Errorf("floor(0.5) should hold out nothing, got %v", v)
	}
}

func writePair(t *testing.T, dir, id string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, suffix := range []string{"_bw.png", "_color.png"} {
		img := image.NewRGBA(image.Rect(0, 0, 6, 6))
		for i := range img.Pix {
			img.Pix[i] = 200
		}
		img.Set(0, 0, color.RGBA{20, 60, 200, 255})
		file, err := os.Create(filepath.Join(dir, id+suffix))
		if err != nil {
			t.Fatalf("failed to create image: %v", err)
		}
		png.Encode(file, img)
		file.Close()
	}
}

func TestNewSplitStrategy(t *testing.T) {
	root := t.TempDir()
	s, err := NewSplitStrategy(SplitAuto, root, 0.1, 1, nil)
	if err != nil || s.Name() != SplitRatio {
		t.Errorf("auto without train/val = %v, %v; want ratio", s, err)
	}
	writePair(t, filepath.Join(root, "train"), "a")
	writePair(t, filepath.Join(root, "val"), "b")
	s, err = NewSplitStrategy(SplitAuto, root, 0.1, 1, nil)
	if err != nil || s.Name() != SplitPresplit {
		t.Errorf("auto with train/val = %v, %v; want presplit", s, err)
	}
	if _, err := NewSplitStrategy("kfold", root, 0.1, 1, nil); err == nil {
		t.Errorf("expected an error for an unknown policy")
	}
}

func newModule(t *testing.T, cfg Config) *DataModule {
	t.Helper()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2
	}
	cfg.Height, cfg.Width = 4, 4
	m, err := NewDataModule(cfg, nil)
	if err != nil {
		t.Fatalf("NewDataModule failed: %v", err)
	}
	if err := m.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return m
}

func TestDataModuleRatio(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		writePair(t, root, id)
	}
	m := newModule(t, Config{RootDir: root, Split: SplitAuto, ValFraction: 0.4, SplitSeed: 3, NumWorkers: 2, MemoryCacheSize: 8})

	if m.Strategy().Name() != SplitRatio {
		t.Errorf("strategy = %s, want ratio", m.Strategy().Name())
	}
	if m.Train().Len() != 3 || m.Val().Len() != 2 {
		t.Fatalf("split %d/%d, want 3/2", m.Train().Len(), m.Val().Len())
	}
	if m.NumTrainBatches() != 2 || m.NumValBatches() != 1 {
		t.Errorf("batch counts %d/%d, want 2/1", m.NumTrainBatches(), m.NumValBatches())
	}

	epochIDs := func(epoch int) []string {
		var ids []string
		for batch, err := range m.TrainBatches(context.Background(), epoch, 0) {
			if err != nil {
				t.Fatalf("train iteration failed: %v", err)
			}
			if !tensor.ShapesEqual(batch.L.Shape[1:], []int{1, 4, 4}) {
				t.Fatalf("L shape %v", batch.L.Shape)
			}
			ids = append(ids, batch.IDs...)
		}
		return ids
	}
	first := epochIDs(1)
	if len(first) != 3 {
		t.Fatalf("epoch yielded %v", first)
	}
	if again := epochIDs(1); fmt.Sprint(again) != fmt.Sprint(first) {
		t.Errorf("epoch order not reproducible: %v vs %v", again, first)
	}

	valIDs := map[string]bool{}
	for batch, err := range m.ValBatches(context.Background()) {
		if err != nil {
			t.Fatalf("val iteration failed: %v", err)
		}
		for _, id := range batch.IDs {
			valIDs[id] = true
		}
	}
	for _, id := range first {
		if valIDs[id] {
			t.Errorf("%s is in both splits", id)
		}
	}
	if stats, ok := m.CacheStats(); !ok || stats.Hits == 0 {
		t.Errorf("shared cache stats = %v, %v", stats, ok)
	}
}

func TestDataModulePresplit(t *testing.T) {
	root := t.TempDir()
	writePair(t, filepath.Join(root, "train"), "a")
	writePair(t, filepath.Join(root, "train"), "b")
	writePair(t, filepath.Join(root, "val"), "c")

	m := newModule(t, Config{RootDir: root, Split: SplitPresplit})
	if m.Train().Len() != 2 || m.Val().Len() != 1 {
		t.Errorf("split %d/%d, want 2/1", m.Train().Len(), m.Val().Len())
	}
	if _, ok := m.CacheStats(); ok {
		t.Errorf("cache should be disabled by default")
	}
	trainPair, _ := m.Train().Store().PairAt(0)
	valPair, _ := m.Val().Store().PairAt(0)
	if trainPair.Key() != "train/a" || valPair.Key() != "val/c" || valPair.ID != "c" {
		t.Errorf("pair keys = %q, %q", trainPair.Key(), valPair.Key())
	}
}

func TestDataModuleEpochOrder(t *testing.T) {
	root := t.TempDir()
	for i := range 12 {
		writePair(t, root, fmt.Sprintf("img%02d", i))
	}
	m := newModule(t, Config{RootDir: root, Split: SplitRatio, ValFraction: 0.25, SplitSeed: 11, BatchSize: 3})

	collect := func(seq func(yield func(*Batch, error) bool)) []string {
		var ids []string
		for batch, err := range seq {
			if err != nil {
				t.Fatalf("iteration failed: %v", err)
			}
			ids = append(ids, batch.IDs...)
		}
		return ids
	}
	ctx := context.Background()

	first := collect(m.TrainBatches(ctx, 1, 0))
	second := collect(m.TrainBatches(ctx, 2, 0))
	if len(first) != 9 || len(second) != 9 {
		t.Fatalf("train epochs yielded %d and %d samples, want 9", len(first), len(second))
	}
	if fmt.Sprint(first) == fmt.Sprint(second) {
		t.Errorf("epochs 1 and 2 share the order %v", first)
	}
	seen := map[string]bool{}
	for _, id := range second {
		seen[id] = true
	}
	for _, id := range first {
		if !seen[id] {
			t.Errorf("%s missing from epoch 2", id)
		}
	}

	val := collect(m.ValBatches(ctx))
	if again := collect(m.ValBatches(ctx)); fmt.Sprint(again) != fmt.Sprint(val) || len(val) != 3 {
		t.Errorf("validation order changed between passes: %v vs %v", val, again)
	}
}

func TestDataModuleErrors(t *testing.T) {
	if _, err := NewDataModule(Config{BatchSize: 2}, nil); err == nil {
		t.Errorf("expected an error without a root")
	}
	m, err := NewDataModule(Config{RootDir: t.TempDir(), BatchSize: 2, Height: 4, Width: 4}, nil)
	if err != nil {
		t.Fatalf("NewDataModule failed: %v", err)
	}
	for _, err := range m.TrainBatches(context.Background(), 0, 0) {
		if !errors.Is(err, ErrNotSetup) {
			t.Errorf("expected ErrNotSetup, got %v", err)
		}
	}
	if err := m.Setup(); !errors.Is(err, dataset.ErrDatasetIntegrity) {
		t.Errorf("expected ErrDatasetIntegrity for an empty root, got %v", err)
	}
}
