package optimizer

import (
	"fmt"
	"math"

	"github.com/caljoseph/photochrom-ai/checkpoints"
	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/tensor"
)

const adamType = "Adam"

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias correction.
//
// Update rule, per element:
//
//	g    = grad + weight_decay·w
//	m    = β1·m + (1-β1)·g
//	v    = β2·v + (1-β2)·g²
//	m̂    = m / (1 - β1^t)
//	v̂    = v / (1 - β2^t)
//	w    = w - lr · m̂ / (√v̂ + ε)
type Adam struct {
	config AdamConfig
	params []*layers.Parameter

	momentum []*tensor.Tensor // first moment per parameter
	variance []*tensor.Tensor // second moment per parameter

	stepCount uint64
}

// NewAdam creates an Adam optimizer over params.
func NewAdam(config AdamConfig, params []*layers.Parameter) (*Adam, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}

	adam := &Adam{
		config:   config,
		params:   params,
		momentum: make([]*tensor.Tensor, len(params)),
		variance: make([]*tensor.Tensor, len(params)),
	}
	for i, p := range params {
		adam.momentum[i] = tensor.ZerosLike(p.Value)
		adam.variance[i] = tensor.ZerosLike(p.Value)
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *Adam) Step() error {
	adam.stepCount++

	beta1 := float64(adam.config.Beta1)
	beta2 := float64(adam.config.Beta2)
	bc1 := float32(1 - math.Pow(beta1, float64(adam.stepCount)))
	bc2 := float32(1 - math.Pow(beta2, float64(adam.stepCount)))
	b1, b2 := adam.config.Beta1, adam.config.Beta2
	lr, eps, wd := adam.config.LearningRate, adam.config.Epsilon, adam.config.WeightDecay

	for i, p := range adam.params {
		if !p.Grad.SameShape(p.Value) {
			return fmt.Errorf("gradient shape %v does not match %s %v", p.Grad.Shape, p.Name, p.Value.Shape)
		}
		w, g := p.Value.Data, p.Grad.Data
		m, v := adam.momentum[i].Data, adam.variance[i].Data
		for j := range w {
			grad := g[j]
			if wd != 0 {
				grad += wd * w[j]
			}
			m[j] = b1*m[j] + (1-b1)*grad
			v[j] = b2*v[j] + (1-b2)*grad*grad
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			w[j] -= lr * mHat / (float32(math.Sqrt(float64(vHat))) + eps)
		}
	}
	return nil
}

// ZeroGrad clears the gradients of every managed parameter.
func (adam *Adam) ZeroGrad() {
	for _, p := range adam.params {
		p.ZeroGrad()
	}
}

// GetState extracts the moments and hyperparameters.
func (adam *Adam) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: adamType,
		Parameters: map[string]float64{
			"learning_rate": float64(adam.config.LearningRate),
			"beta1":         float64(adam.config.Beta1),
			"beta2":         float64(adam.config.Beta2),
			"epsilon":       float64(adam.config.Epsilon),
			"weight_decay":  float64(adam.config.WeightDecay),
			"step_count":    float64(adam.stepCount),
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params)),
	}
	for i := range adam.params {
		state.StateData = append(state.StateData,
			extractBufferState(adam.momentum[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.variance[i], fmt.Sprintf("variance_%d", i), "variance"),
		)
	}
	return state, nil
}

// LoadState restores moments, step count and hyperparameters.
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType(adamType, state); err != nil {
		return err
	}
	if len(state.StateData) != 2*len(adam.params) {
		return fmt.Errorf("optimizer state has %d tensors, expected %d", len(state.StateData), 2*len(adam.params))
	}

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("invalid state tensor name %q", st.Name)
		}
		var dst *tensor.Tensor
		switch st.StateType {
		case "momentum":
			dst = adam.momentum[idx]
		case "variance":
			dst = adam.variance[idx]
		default:
			return fmt.Errorf("unknown state type %q for %s", st.StateType, st.Name)
		}
		if err := restoreBufferState(dst, st); err != nil {
			return err
		}
	}

	adam.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.config.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

// GetStepCount returns the number of completed steps.
func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *Adam) UpdateLearningRate(newLR float32) {
	adam.config.LearningRate = newLR
}

// GetStats returns optimizer statistics
func (adam *Adam) GetStats() AdamStats {
	var total int
	for _, p := range adam.params {
		total += 2 * p.Value.Numel()
	}
	return AdamStats{
		StepCount:     adam.stepCount,
		LearningRate:  adam.config.LearningRate,
		Beta1:         adam.config.Beta1,
		Beta2:         adam.config.Beta2,
		Epsilon:       adam.config.Epsilon,
		WeightDecay:   adam.config.WeightDecay,
		NumParameters: len(adam.params),
		StateElements: total,
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount     uint64
	LearningRate  float32
	Beta1         float32
	Beta2         float32
	Epsilon       float32
	WeightDecay   float32
	NumParameters int
	StateElements int
}
