package training

import (
	"math"
	"testing"
)

func TestEpochMetric(t *testing.T) {
	var m EpochMetric
	if !math.IsNaN(m.Mean()) {
		t.Errorf("empty mean = %v, want NaN", m.Mean())
	}

	m.Add(1.0, 4)
	if m.StdDev() != 0 {
		t.Errorf("single-batch std = %v, want 0", m.StdDev())
	}
	m.Add(4.0, 2)

	// (1·4 + 4·2) / 6 = 2
	if math.Abs(m.Mean()-2) > 1e-9 {
		t.Errorf("Mean() = %v, want 2", m.Mean())
	}
	if m.Count() != 2 || m.StdDev() <= 0 {
		t.Errorf("Count() = %d, StdDev() = %v", m.Count(), m.StdDev())
	}
	if s := m.String(); s == "" {
		t.Errorf("empty summary")
	}
}
