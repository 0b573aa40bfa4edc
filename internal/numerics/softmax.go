// Package numerics holds the numerically stable scalar kernels shared by the
// loss and Fisher code.
package numerics

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Softmax normalizes x in place. Empty input is left untouched.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := floats.Max(x)

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}
	floats.Scale(1/sum, x)
}

// LogSumExp returns log(sum(exp(x))) without overflow.
func LogSumExp(x []float64) float64 {
	if len(x) == 0 {
		return math.Inf(-1)
	}
	return floats.LogSumExp(x)
}

// IsFinite reports whether every value is neither NaN nor infinite.
func IsFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ClampMin raises every value below min to min, in place, and returns how
// many values were raised. NaN is left as it is.
func ClampMin(x []float64, min float64) int {
	n := 0
	for i, v := range x {
		if v < min {
			x[i] = min
			n++
		}
	}
	return n
}
