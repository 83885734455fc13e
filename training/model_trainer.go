package training

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/caljoseph/photochrom-ai/checkpoints"
	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/models"
	"github.com/caljoseph/photochrom-ai/optimizer"
	"github.com/caljoseph/photochrom-ai/tensor"
	"github.com/caljoseph/photochrom-ai/vision/dataloader"
)

// ErrTerminated is returned by steps on a closed trainer.
var ErrTerminated = errors.New("trainer is terminated")

// TrainerStatus is the lifecycle state of a ModelTrainer.
type TrainerStatus int

const (
	StatusFresh TrainerStatus = iota
	StatusRunning
	StatusCheckpointed
	StatusTerminated
)

func (s TrainerStatus) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusRunning:
		return "running"
	case StatusCheckpointed:
		return "checkpointed"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("TrainerStatus(%d)", int(s))
	}
}

// ModelState holds the progress counters and validation history that travel
// with the weights in a checkpoint. Epoch is the epoch to run next;
// StepInEpoch counts its batches already applied.
type ModelState struct {
	Epoch       int
	GlobalStep  int
	StepInEpoch int

	HasBest   bool
	BestLoss  float32
	BestEpoch int
	BestFile  string

	HasLast  bool
	LastLoss float32
}

func (s ModelState) trainingState(lr float32) checkpoints.TrainingState {
	return checkpoints.TrainingState{
		Epoch:        s.Epoch,
		GlobalStep:   s.GlobalStep,
		StepInEpoch:  s.StepInEpoch,
		LearningRate: lr,
		HasBest:      s.HasBest,
		BestLoss:     s.BestLoss,
		BestEpoch:    s.BestEpoch,
		BestFile:     s.BestFile,
		HasLast:      s.HasLast,
		LastLoss:     s.LastLoss,
	}
}

func modelStateFrom(ts checkpoints.TrainingState) ModelState {
	return ModelState{
		Epoch:       ts.Epoch,
		GlobalStep:  ts.GlobalStep,
		StepInEpoch: ts.StepInEpoch,
		HasBest:     ts.HasBest,
		BestLoss:    ts.BestLoss,
		BestEpoch:   ts.BestEpoch,
		BestFile:    ts.BestFile,
		HasLast:     ts.HasLast,
		LastLoss:    ts.LastLoss,
	}
}

// TrainerConfig holds the optimizer settings for a ModelTrainer.
type TrainerConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultTrainerConfig returns Adam with lr 1e-3, β1 0.9, β2 0.999, ε 1e-8.
func DefaultTrainerConfig() TrainerConfig {
	adam := optimizer.DefaultAdamConfig()
	return TrainerConfig{
		LearningRate: adam.LearningRate,
		Beta1:        adam.Beta1,
		Beta2:        adam.Beta2,
		Epsilon:      adam.Epsilon,
		WeightDecay:  adam.WeightDecay,
	}
}

// ModelTrainer owns a network, its optimizer and the ModelState, and runs
// single training and validation steps. It is not safe for concurrent use.
type ModelTrainer struct {
	net       models.Network
	optimizer *optimizer.Adam
	loss      Loss
	config    TrainerConfig

	status TrainerStatus
	state  ModelState

	// Performance tracking
	lastStepTime time.Duration
	totalSteps   int64
	totalLoss    float64
}

// NewModelTrainer creates a trainer for net with an L1 objective.
func NewModelTrainer(net models.Network, config TrainerConfig) (*ModelTrainer, error) {
	opt, err := optimizer.NewAdam(optimizer.AdamConfig{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}, net.Parameters())
	if err != nil {
		return nil, fmt.Errorf("invalid trainer configuration: %w", err)
	}
	return &ModelTrainer{
		net:       net,
		optimizer: opt,
		loss:      NewL1Loss("mean"),
		config:    config,
	}, nil
}

// TrainStep runs forward, loss, backward and one optimizer update on batch,
// returning the loss before the update.
func (mt *ModelTrainer) TrainStep(batch *dataloader.Batch) (float32, error) {
	if mt.status == StatusTerminated {
		return 0, ErrTerminated
	}
	start := time.Now()

	mt.net.SetTraining(true)
	pred, err := mt.net.Forward(batch.L)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %w", err)
	}
	loss, err := mt.loss.Forward(pred, batch.AB)
	if err != nil {
		return 0, fmt.Errorf("loss computation failed: %w", err)
	}
	if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
		return 0, fmt.Errorf("non-finite loss at step %d", mt.state.GlobalStep)
	}
	grad, err := mt.loss.Backward(pred, batch.AB)
	if err != nil {
		return 0, fmt.Errorf("loss gradient failed: %w", err)
	}

	mt.optimizer.ZeroGrad()
	if _, err := mt.net.Backward(grad); err != nil {
		return 0, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := mt.optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step failed: %w", err)
	}

	mt.status = StatusRunning
	mt.state.GlobalStep++
	mt.state.StepInEpoch++
	mt.lastStepTime = time.Since(start)
	mt.totalSteps++
	mt.totalLoss += float64(loss)
	return loss, nil
}

// ValidationStep evaluates batch in eval mode. Nothing is updated and no
// gradients are kept.
func (mt *ModelTrainer) ValidationStep(batch *dataloader.Batch) (float32, error) {
	pred, err := mt.Predict(batch.L)
	if err != nil {
		return 0, err
	}
	loss, err := mt.loss.Forward(pred, batch.AB)
	if err != nil {
		return 0, fmt.Errorf("loss computation failed: %w", err)
	}
	return loss, nil
}

// Predict runs an eval-mode forward pass on lightness input (B,1,H,W).
func (mt *ModelTrainer) Predict(l *tensor.Tensor) (*tensor.Tensor, error) {
	if mt.status == StatusTerminated {
		return nil, ErrTerminated
	}
	mt.net.SetTraining(false)
	pred, err := mt.net.Forward(l)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return pred, nil
}

// CompleteEpoch advances the epoch counter after a finished epoch.
func (mt *ModelTrainer) CompleteEpoch() {
	mt.state.Epoch++
	mt.state.StepInEpoch = 0
}

// Status returns the lifecycle state.
func (mt *ModelTrainer) Status() TrainerStatus {
	return mt.status
}

// State returns a copy of the progress counters.
func (mt *ModelTrainer) State() ModelState {
	return mt.state
}

// SetState replaces the progress counters, as after a resume or a
// checkpoint that updated the validation history.
func (mt *ModelTrainer) SetState(state ModelState) {
	mt.state = state
}

// MarkCheckpointed records that the current state has been persisted.
func (mt *ModelTrainer) MarkCheckpointed() {
	if mt.status != StatusTerminated {
		mt.status = StatusCheckpointed
	}
}

// Close terminates the trainer. Further steps fail with ErrTerminated.
func (mt *ModelTrainer) Close() error {
	mt.status = StatusTerminated
	return nil
}

// Spec returns the network's model spec.
func (mt *ModelTrainer) Spec() *layers.ModelSpec {
	return mt.net.Spec()
}

// Parameters returns the network's trainable parameters.
func (mt *ModelTrainer) Parameters() []*layers.Parameter {
	return mt.net.Parameters()
}

// LearningRate returns the optimizer learning rate.
func (mt *ModelTrainer) LearningRate() float32 {
	return mt.optimizer.GetStats().LearningRate
}

// OptimizerState snapshots the optimizer moments.
func (mt *ModelTrainer) OptimizerState() (*checkpoints.OptimizerState, error) {
	return mt.optimizer.GetState()
}

// RestoreOptimizerState loads optimizer moments saved by OptimizerState.
func (mt *ModelTrainer) RestoreOptimizerState(state *checkpoints.OptimizerState) error {
	return mt.optimizer.LoadState(state)
}

// GetStats returns training statistics
func (mt *ModelTrainer) GetStats() ModelTrainingStats {
	stats := ModelTrainingStats{
		Status:       mt.status,
		Steps:        mt.totalSteps,
		LastStepTime: mt.lastStepTime,
		Optimizer:    mt.optimizer.GetStats(),
	}
	if mt.totalSteps > 0 {
		stats.AverageLoss = float32(mt.totalLoss / float64(mt.totalSteps))
	}
	return stats
}

// ModelTrainingStats provides training statistics for this process.
type ModelTrainingStats struct {
	Status       TrainerStatus
	Steps        int64
	AverageLoss  float32
	LastStepTime time.Duration
	Optimizer    optimizer.AdamStats
}
