package data

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// GaussianBlobs draws n points in dim dimensions from `classes` isotropic
// Gaussians whose centres are spaced along the first axes. Labels are
// assigned round-robin so every class is represented.
func GaussianBlobs(n, classes, dim int, spread float64, seed uint64) (*Dataset, error) {
	if n <= 0 || classes <= 0 || dim <= 0 {
		return nil, fmt.Errorf("invalid blob shape n=%d classes=%d dim=%d", n, classes, dim)
	}
	if spread <= 0 {
		return nil, fmt.Errorf("spread must be positive: %g", spread)
	}
	src := rand.NewPCG(seed, seed+1)
	noise := distuv.Normal{Mu: 0, Sigma: spread, Src: src}

	X := mat.NewDense(n, dim, nil)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		c := i % classes
		labels[i] = c
		for j := 0; j < dim; j++ {
			centre := 0.0
			if j == c%dim {
				centre = 3
				if c >= dim {
					centre = -3
				}
			}
			X.Set(i, j, centre+noise.Rand())
		}
	}
	return NewDataset(X, labels, nil)
}
