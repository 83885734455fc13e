package training

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/caljoseph/photochrom-ai/checkpoints"
	"github.com/caljoseph/photochrom-ai/vision/dataloader"
)

var errBrokenBatch = errors.New("broken batch")

// memorySource serves fixed batches and records the skips it was asked for.
type memorySource struct {
	train  []*dataloader.Batch
	val    []*dataloader.Batch
	failAt int // train batch index that fails; negative disables
	skips  []int
}

func newMemorySource(trainBatches, valBatches int) *memorySource {
	src := &memorySource{failAt: -1}
	for i := range trainBatches {
		src.train = append(src.train, newTestBatch(2, uint64(10+i), 0.2))
	}
	for i := range valBatches {
		src.val = append(src.val, newTestBatch(2, uint64(100+i), 0.2))
	}
	return src
}

func (s *memorySource) NumTrainBatches() int { return len(s.train) }

func (s *memorySource) NumValBatches() int { return len(s.val) }

func (s *memorySource) TrainBatches(ctx context.Context, epoch, skip int) iter.Seq2[*dataloader.Batch, error] {
	s.skips = append(s.skips, skip)
	return func(yield func(*dataloader.Batch, error) bool) {
		for i := skip; i < len(s.train); i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if i == s.failAt {
				yield(nil, errBrokenBatch)
				return
			}
			if !yield(s.train[i], nil) {
				return
			}
		}
	}
}

func (s *memorySource) ValBatches(ctx context.Context) iter.Seq2[*dataloader.Batch, error] {
	return func(yield func(*dataloader.Batch, error) bool) {
		for _, b := range s.val {
			if !yield(b, nil) {
				return
			}
		}
	}
}

// recordingSink keeps everything logged to it.
type recordingSink struct {
	mu      sync.Mutex
	scalars map[int]map[string]float64
	images  map[int][]ImageTriple
}

func newRecordingSink() *recordingSink {
	return &recordingSink{scalars: map[int]map[string]float64{}, images: map[int][]ImageTriple{}}
}

func (r *recordingSink) LogScalars(_ context.Context, step int, scalars map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scalars[step] == nil {
		r.scalars[step] = map[string]float64{}
	}
	for k, v := range scalars {
		r.scalars[step][k] = v
	}
	return nil
}

func (r *recordingSink) LogImages(_ context.Context, step int, triples []ImageTriple) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[step] = triples
	return nil
}

func (r *recordingSink) Close() error { return nil }

func newTestDriver(t *testing.T, dir string, config DriverConfig, src DataSource, sink MetricsSink) *Driver {
	t.Helper()
	cm := newTestManager(t, dir, checkpoints.FormatBinary)
	driver, err := NewDriver(config, src, newTestTrainer(t), cm, sink, nil)
	if err != nil {
		t.Fatalf("Failed to create driver: %v", err)
	}
	return driver
}

func TestDriverRun(t *testing.T) {
	dir := t.TempDir()
	src := newMemorySource(3, 2)
	sink := newRecordingSink()
	config := DriverConfig{
		MaxEpochs:            2,
		LogEveryNSteps:       1,
		VisualizeEveryNSteps: 2,
		MaxVisualSamples:     1,
		RunID:                "run-1",
	}

	driver := newTestDriver(t, dir, config, src, sink)
	summary, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	driver.ckpt.Close()
	if !summary.Completed || summary.Resumed || len(summary.Epochs) != 2 {
		t.Fatalf("Unexpected summary: %+v", summary)
	}
	if summary.State.Epoch != 2 || summary.State.GlobalStep != 6 || summary.State.StepInEpoch != 0 {
		t.Errorf("Unexpected final state: %+v", summary.State)
	}
	if !summary.State.HasBest || summary.State.BestFile == "" {
		t.Errorf("Expected a best checkpoint: %+v", summary.State)
	}
	for _, m := range summary.Epochs {
		if m.TrainBatches != 3 || m.ValBatches != 2 {
			t.Errorf("Epoch %d: %d train / %d val batches", m.Epoch, m.TrainBatches, m.ValBatches)
		}
	}

	for step := 1; step <= 6; step++ {
		if _, ok := sink.scalars[step][MetricTrainLoss]; !ok {
			t.Errorf("Missing %s at step %d", MetricTrainLoss, step)
		}
	}
	if _, ok := sink.scalars[3][MetricValLoss]; !ok {
		t.Errorf("Missing %s at end of first epoch: %v", MetricValLoss, sink.scalars[3])
	}
	if len(sink.images) != 3 {
		t.Errorf("Expected images at steps 2, 4, 6, got %d entries", len(sink.images))
	}
	if triples := sink.images[2]; len(triples) != 1 || triples[0].Caption != "train - img00" {
		t.Errorf("Unexpected triples at step 2: %+v", triples)
	}

	// Running again with more epochs resumes after the last completed one.
	config.MaxEpochs = 3
	again := newMemorySource(3, 2)
	summary, err = newTestDriver(t, dir, config, again, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if !summary.Resumed || len(summary.Epochs) != 1 || summary.Epochs[0].Epoch != 2 {
		t.Fatalf("Unexpected resumed summary: %+v", summary)
	}
	if summary.State.GlobalStep != 9 {
		t.Errorf("GlobalStep = %d, want 9", summary.State.GlobalStep)
	}
}

func TestDriverResumesMidEpoch(t *testing.T) {
	dir := t.TempDir()
	config := DriverConfig{MaxEpochs: 1, CheckpointEveryNSteps: 1}

	broken := newMemorySource(4, 1)
	broken.failAt = 2
	driver := newTestDriver(t, dir, config, broken, nil)
	if _, err := driver.Run(context.Background()); !errors.Is(err, errBrokenBatch) {
		t.Fatalf("Expected errBrokenBatch, got %v", err)
	}
	driver.ckpt.Close()

	healthy := newMemorySource(4, 1)
	summary, err := newTestDriver(t, dir, config, healthy, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if len(healthy.skips) != 1 || healthy.skips[0] != 2 {
		t.Errorf("Expected the resumed epoch to skip 2 batches, got %v", healthy.skips)
	}
	if summary.Epochs[0].TrainBatches != 2 || summary.State.GlobalStep != 4 {
		t.Errorf("Unexpected resumed epoch: %+v, state %+v", summary.Epochs[0], summary.State)
	}
}

func TestDriverCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newTestDriver(t, t.TempDir(), DriverConfig{MaxEpochs: 2}, newMemorySource(2, 1), nil).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if summary.Completed || summary.State.GlobalStep != 0 {
		t.Errorf("Cancelled run made progress: %+v", summary)
	}
}

func TestDriverAlreadyComplete(t *testing.T) {
	dir := t.TempDir()
	config := DriverConfig{MaxEpochs: 1}
	driver := newTestDriver(t, dir, config, newMemorySource(1, 1), nil)
	if _, err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	driver.ckpt.Close()

	src := newMemorySource(1, 1)
	summary, err := newTestDriver(t, dir, config, src, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if !summary.Completed || len(summary.Epochs) != 0 || len(src.skips) != 0 {
		t.Errorf("Expected no further training, got %+v (skips %v)", summary, src.skips)
	}
}

func TestNewDriverValidation(t *testing.T) {
	cm := newTestManager(t, t.TempDir(), checkpoints.FormatBinary)
	if _, err := NewDriver(DriverConfig{}, newMemorySource(1, 0), newTestTrainer(t), cm, nil, nil); err == nil {
		t.Error("Expected error for zero max epochs")
	}
	if _, err := NewDriver(DriverConfig{MaxEpochs: 1}, nil, newTestTrainer(t), cm, nil, nil); err == nil {
		t.Error("Expected error for missing data source")
	}
}

func TestDriverEmptyValidationSplit(t *testing.T) {
	dir := t.TempDir()
	cm := newTestManager(t, dir, checkpoints.FormatJSON)
	driver, err := NewDriver(DriverConfig{MaxEpochs: 2}, newMemorySource(2, 0), newTestTrainer(t), cm, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create driver: %v", err)
	}
	summary, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run without validation batches failed: %v", err)
	}
	if !summary.Completed || len(summary.Epochs) != 2 {
		t.Fatalf("Unexpected summary: %+v", summary)
	}
	if summary.State.HasBest || summary.State.HasLast || summary.State.Epoch != 2 {
		t.Errorf("Unexpected final state: %+v", summary.State)
	}
	for _, m := range summary.Epochs {
		if m.ValBatches != 0 || m.BestPath != "" {
			t.Errorf("Epoch %d recorded validation: %+v", m.Epoch, m)
		}
	}
	if got := checkpointFiles(t, cm.Dir()); len(got) != 1 || got[0] != "last.json" {
		t.Errorf("Unexpected checkpoint files: %v", got)
	}
}
