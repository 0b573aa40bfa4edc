package data

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-curvature/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// Dataset is an in-memory design matrix with either class labels or
// regression targets.
type Dataset struct {
	X       *mat.Dense
	Labels  []int
	Targets *mat.Dense
}

// NewDataset checks that labels/targets line up with the rows of X.
func NewDataset(X *mat.Dense, labels []int, targets *mat.Dense) (*Dataset, error) {
	if X == nil {
		return nil, fmt.Errorf("dataset needs inputs")
	}
	rows, _ := X.Dims()
	if labels == nil && targets == nil {
		return nil, fmt.Errorf("dataset needs labels or targets")
	}
	if labels != nil && len(labels) != rows {
		return nil, fmt.Errorf("got %d labels for %d rows", len(labels), rows)
	}
	if targets != nil {
		if r, _ := targets.Dims(); r != rows {
			return nil, fmt.Errorf("got %d target rows for %d rows", r, rows)
		}
	}
	return &Dataset{X: X, Labels: labels, Targets: targets}, nil
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	r, _ := d.X.Dims()
	return r
}

// Gather builds a batch from the given row indices.
func (d *Dataset) Gather(indices []int) nn.Batch {
	_, cols := d.X.Dims()
	b := nn.Batch{X: mat.NewDense(len(indices), cols, nil)}
	if d.Labels != nil {
		b.Labels = make([]int, len(indices))
	}
	if d.Targets != nil {
		_, tc := d.Targets.Dims()
		b.Targets = mat.NewDense(len(indices), tc, nil)
	}
	for i, idx := range indices {
		b.X.SetRow(i, d.X.RawRowView(idx))
		if b.Labels != nil {
			b.Labels[i] = d.Labels[idx]
		}
		if b.Targets != nil {
			b.Targets.SetRow(i, d.Targets.RawRowView(idx))
		}
	}
	return b
}

// All returns the whole dataset as one batch.
func (d *Dataset) All() nn.Batch {
	idx := make([]int, d.Len())
	for i := range idx {
		idx[i] = i
	}
	return d.Gather(idx)
}

// Loader provides batching and optional shuffling
type Loader struct {
	dataset   *Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
}

// NewLoader creates a loader. Shuffling is seeded so runs are reproducible.
func NewLoader(dataset *Dataset, batchSize int, shuffle bool, seed uint64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive: %d", batchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &Loader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (l *Loader) Len() int {
	return (l.dataset.Len() + l.batchSize - 1) / l.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling if enabled.
func (l *Loader) Reset() {
	l.position = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
}

// Next returns the next batch, or false once the epoch is complete.
func (l *Loader) Next() (nn.Batch, bool) {
	if l.position >= len(l.indices) {
		return nn.Batch{}, false
	}
	end := l.position + l.batchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}
	b := l.dataset.Gather(l.indices[l.position:end])
	l.position = end
	return b, true
}
