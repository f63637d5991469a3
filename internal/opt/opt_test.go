package opt

import (
	"math"
	"testing"
)

func TestSGDStep(t *testing.T) {
	tests := []struct {
		name   string
		lr     float64
		params []float64
		grads  []float64
		want   []float64
	}{
		{"descends", 0.1, []float64{1, 2, 3}, []float64{0.1, 0.2, 0.3}, []float64{0.99, 1.98, 2.97}},
		{"negative gradient ascends", 0.1, []float64{0}, []float64{-0.5}, []float64{0.05}},
		{"zero rate", 0, []float64{1, 2}, []float64{1, 1}, []float64{1, 2}},
		{"zero gradient", 0.05, []float64{-1, 4}, []float64{0, 0}, []float64{-1, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := append([]float64(nil), tt.params...)
			got := SGD{LearningRate: tt.lr}.Step(tt.params, tt.grads)

			for i := range tt.want {
				if math.Abs(got[i]-tt.want[i]) > 1e-12 {
					t.Errorf("Step()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
				if tt.params[i] != before[i] {
					t.Errorf("Step modified params[%d]", i)
				}
			}

			SGD{LearningRate: tt.lr}.StepInPlace(tt.params, tt.grads)
			for i := range tt.want {
				if math.Abs(tt.params[i]-tt.want[i]) > 1e-12 {
					t.Errorf("StepInPlace params[%d] = %v, want %v", i, tt.params[i], tt.want[i])
				}
			}
		})
	}
}

// TestSGDConvergesOnQuadratic minimises sum((p - c)^2), the shape of the
// least-squares readout problem near its optimum.
func TestSGDConvergesOnQuadratic(t *testing.T) {
	centre := []float64{0.5, -1.5, 3}
	params := make([]float64, len(centre))
	grads := make([]float64, len(centre))
	sgd := SGD{LearningRate: 0.1}

	for step := 0; step < 200; step++ {
		for i := range params {
			grads[i] = 2 * (params[i] - centre[i])
		}
		sgd.StepInPlace(params, grads)
	}

	for i := range params {
		if math.Abs(params[i]-centre[i]) > 1e-9 {
			t.Errorf("params[%d] = %v, want %v", i, params[i], centre[i])
		}
	}
}

func TestSGDStepLengthMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for length mismatch")
		}
	}()

	SGD{LearningRate: 0.1}.StepInPlace([]float64{1, 2}, []float64{1})
}
