package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caljoseph/photochrom-ai/checkpoints"
)

// Optimizer updates a fixed set of parameters from their accumulated
// gradients. State can be extracted and restored for checkpointing.
type Optimizer interface {
	// Step applies one update from the current gradients.
	Step() error

	// ZeroGrad clears every parameter gradient.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing.
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint. Tensor shapes
	// must match the parameters the optimizer was built with.
	LoadState(state *OptimizerState) error

	// GetStepCount returns the number of completed steps.
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)
}

// OptimizerState is the serialized optimizer state stored in checkpoints.
type OptimizerState = checkpoints.OptimizerState

// extractBufferIndex extracts the parameter index from state tensor names
// like "momentum_0" or "variance_12".
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("missing optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
