package curvature

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// KronFactors is a block-diagonal curvature. Each group is either a Kronecker
// pair [B, A], whose block is B ⊗ A, or a single dense block. Groups appear
// in layer traversal order, weight block before bias block, which is the
// same order Jacobian columns are split by layer.
type KronFactors struct {
	Groups [][]*mat.Dense
}

// Len is the number of groups.
func (k *KronFactors) Len() int { return len(k.Groups) }

// Rescale divides the second factor of every two-factor group by n in place.
// The input factor alone carries the batch-to-dataset normalization, so
// single-factor groups are left as they are.
func (k *KronFactors) Rescale(n float64) *KronFactors {
	for _, g := range k.Groups {
		if len(g) == 2 {
			g[1].Scale(1/n, g[1])
		}
	}
	return k
}

// Scale returns a copy whose every block is multiplied by s. A group of k
// factors has each factor multiplied by s^(1/k).
func (k *KronFactors) Scale(s float64) *KronFactors {
	out := &KronFactors{Groups: make([][]*mat.Dense, len(k.Groups))}
	for i, g := range k.Groups {
		f := math.Pow(s, 1/float64(len(g)))
		scaled := make([]*mat.Dense, len(g))
		for j, m := range g {
			var c mat.Dense
			c.Scale(f, m)
			scaled[j] = &c
		}
		out.Groups[i] = scaled
	}
	return out
}

// blockSize is the side length of the block a group represents.
func blockSize(g []*mat.Dense) int {
	n := 1
	for _, m := range g {
		r, _ := m.Dims()
		n *= r
	}
	return n
}

func block(g []*mat.Dense) *mat.Dense {
	if len(g) == 1 {
		return mat.DenseCopyOf(g[0])
	}
	var out mat.Dense
	out.Kronecker(g[0], g[1])
	return &out
}

// NumParams is the dimension of the dense matrix the factors represent.
func (k *KronFactors) NumParams() int {
	n := 0
	for _, g := range k.Groups {
		n += blockSize(g)
	}
	return n
}

// Dense materialises the block-diagonal matrix. Only meant for small models.
func (k *KronFactors) Dense() *mat.Dense {
	p := k.NumParams()
	out := mat.NewDense(p, p, nil)
	off := 0
	for _, g := range k.Groups {
		b := block(g)
		n, _ := b.Dims()
		out.Slice(off, off+n, off, off+n).(*mat.Dense).Copy(b)
		off += n
	}
	return out
}

// Diag returns the diagonal of the represented matrix without building it.
// The diagonal of B ⊗ A is the outer product of the factor diagonals.
func (k *KronFactors) Diag() []float64 {
	out := make([]float64, 0, k.NumParams())
	for _, g := range k.Groups {
		if len(g) == 1 {
			out = append(out, diagOf(g[0])...)
			continue
		}
		db, da := diagOf(g[0]), diagOf(g[1])
		for _, b := range db {
			for _, a := range da {
				out = append(out, b*a)
			}
		}
	}
	return out
}

func diagOf(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	d := make([]float64, r)
	for i := range d {
		d[i] = m.At(i, i)
	}
	return d
}

// Trace of the represented matrix.
func (k *KronFactors) Trace() float64 {
	t := 0.0
	for _, g := range k.Groups {
		f := 1.0
		for _, m := range g {
			f *= mat.Trace(m)
		}
		t += f
	}
	return t
}

func (k *KronFactors) String() string {
	return fmt.Sprintf("KronFactors{groups: %d, params: %d}", k.Len(), k.NumParams())
}
