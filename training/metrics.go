package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Metric names reported to sinks.
const (
	MetricTrainLoss      = "train/loss"
	MetricTrainLossEpoch = "train/loss_epoch"
	MetricValLoss        = "val/loss"
	MetricValLossStd     = "val/loss_std"
	MetricEpoch          = "epoch"
)

// EpochMetric aggregates per-batch values into an epoch statistic. Each
// value is weighted by its batch size, so a partial final batch counts
// proportionally.
type EpochMetric struct {
	values  []float64
	weights []float64
}

// Add records one batch value.
func (m *EpochMetric) Add(value float32, batchSize int) {
	m.values = append(m.values, float64(value))
	m.weights = append(m.weights, float64(batchSize))
}

// Count returns the number of recorded batches.
func (m *EpochMetric) Count() int {
	return len(m.values)
}

// Mean returns the weighted mean, or NaN when nothing was recorded.
func (m *EpochMetric) Mean() float64 {
	if len(m.values) == 0 {
		return math.NaN()
	}
	return stat.Mean(m.values, m.weights)
}

// StdDev returns the weighted standard deviation across batches, or 0 with
// fewer than two batches.
func (m *EpochMetric) StdDev() float64 {
	if len(m.values) < 2 {
		return 0
	}
	return stat.StdDev(m.values, m.weights)
}

// String returns a short summary of the metric
func (m *EpochMetric) String() string {
	return fmt.Sprintf("%.4f ± %.4f (%d batches)", m.Mean(), m.StdDev(), m.Count())
}
