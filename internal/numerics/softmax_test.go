package numerics

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	testCases := []struct {
		name     string
		input    []float64
		expected []float64
	}{
		{
			name:     "simple",
			input:    []float64{1, 2, 3},
			expected: []float64{0.09003057, 0.24472847, 0.66524096},
		},
		{
			name:     "negative",
			input:    []float64{-1, -2, -3},
			expected: []float64{0.66524096, 0.24472847, 0.09003057},
		},
		{
			name:     "zero",
			input:    []float64{0, 0, 0},
			expected: []float64{0.33333333, 0.33333333, 0.33333333},
		},
		{
			name:     "large logits",
			input:    []float64{1000, 1000},
			expected: []float64{0.5, 0.5},
		},
		{
			name:     "empty",
			input:    []float64{},
			expected: []float64{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input := make([]float64, len(tc.input))
			copy(input, tc.input)
			Softmax(input)
			if len(input) != len(tc.expected) {
				t.Errorf("expected length %d, got %d", len(tc.expected), len(input))
			}
			for i := range input {
				if math.Abs(input[i]-tc.expected[i]) > 1e-8 {
					t.Errorf("expected %v, got %v", tc.expected, input)
					break
				}
			}
		})
	}
}

func TestLogSumExp(t *testing.T) {
	got := LogSumExp([]float64{1000, 1000})
	want := 1000 + math.Log(2)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}
	if !math.IsInf(LogSumExp(nil), -1) {
		t.Error("expected -Inf for empty input")
	}
}

func TestClampMin(t *testing.T) {
	x := []float64{-1e-12, 0, 2, math.NaN()}
	n := ClampMin(x, 1e-30)
	if n != 2 {
		t.Errorf("expected 2 clamped values, got %d", n)
	}
	if x[0] != 1e-30 || x[1] != 1e-30 || x[2] != 2 || !math.IsNaN(x[3]) {
		t.Errorf("unexpected clamp result %v", x)
	}
}

func TestIsFinite(t *testing.T) {
	if !IsFinite([]float64{0, 1, -3}) {
		t.Error("expected finite")
	}
	if IsFinite([]float64{0, math.Inf(1)}) {
		t.Error("expected Inf to be rejected")
	}
	if IsFinite([]float64{math.NaN()}) {
		t.Error("expected NaN to be rejected")
	}
}
