package optimizer

import (
	"fmt"

	"github.com/caljoseph/photochrom-ai/checkpoints"
	"github.com/caljoseph/photochrom-ai/tensor"
)

// extractBufferState copies a state tensor into its checkpoint form.
func extractBufferState(buffer *tensor.Tensor, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer.Data))
	copy(data, buffer.Data)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), buffer.Shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a state tensor.
func restoreBufferState(buffer *tensor.Tensor, st checkpoints.OptimizerTensor) error {
	if !tensor.ShapesEqual(buffer.Shape, st.Shape) || len(st.Data) != len(buffer.Data) {
		return fmt.Errorf("shape mismatch for %s: expected %v, got %v (%d elements)",
			st.Name, buffer.Shape, st.Shape, len(st.Data))
	}
	copy(buffer.Data, st.Data)
	return nil
}

// extractFloat32Param reads a hyperparameter from the state map
func extractFloat32Param(params map[string]float64, key string, defaultValue float32) float32 {
	if val, ok := params[key]; ok {
		return float32(val)
	}
	return defaultValue
}

// extractUint64Param reads a counter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}
