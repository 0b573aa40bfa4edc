package nn

import (
	"fmt"

	"github.com/23skdu/longbow-curvature/internal/numerics"
	"gonum.org/v1/gonum/mat"
)

// Batch is one mini-batch. Classification criteria read Labels, regression
// criteria read Targets (batch x out).
type Batch struct {
	X       *mat.Dense
	Labels  []int
	Targets *mat.Dense
}

// Size is the number of examples in the batch.
func (b Batch) Size() int {
	r, _ := b.X.Dims()
	return r
}

// Reduction selects how per-example losses are combined.
type Reduction int

const (
	ReductionMean Reduction = iota
	ReductionSum
)

// Criterion computes a scalar loss and its gradient with respect to the
// model output.
type Criterion interface {
	Loss(out *mat.Dense, b Batch) (float64, *mat.Dense, error)
}

// CrossEntropy is softmax cross-entropy over integer class labels.
type CrossEntropy struct {
	Reduction Reduction
}

func (c CrossEntropy) Loss(out *mat.Dense, b Batch) (float64, *mat.Dense, error) {
	probs, err := Probabilities(out, b.Labels)
	if err != nil {
		return 0, nil, err
	}
	batch, _ := out.Dims()
	loss := CrossEntropySum(out, b.Labels)
	grad := probs
	for n, y := range b.Labels {
		grad.Set(n, y, grad.At(n, y)-1)
	}
	if c.Reduction == ReductionMean {
		loss /= float64(batch)
		grad.Scale(1/float64(batch), grad)
	}
	return loss, grad, nil
}

// Probabilities returns the row-wise softmax of logits and checks that the
// labels index valid classes.
func Probabilities(logits *mat.Dense, labels []int) (*mat.Dense, error) {
	batch, classes := logits.Dims()
	if labels != nil {
		if len(labels) != batch {
			return nil, fmt.Errorf("got %d labels for %d examples", len(labels), batch)
		}
		for n, y := range labels {
			if y < 0 || y >= classes {
				return nil, fmt.Errorf("label %d of example %d outside [0, %d)", y, n, classes)
			}
		}
	}
	p := mat.DenseCopyOf(logits)
	for n := 0; n < batch; n++ {
		numerics.Softmax(p.RawRowView(n))
	}
	return p, nil
}

// CrossEntropySum is the batch-summed negative log-likelihood. Labels must
// already be validated.
func CrossEntropySum(logits *mat.Dense, labels []int) float64 {
	loss := 0.0
	for n, y := range labels {
		row := logits.RawRowView(n)
		loss += numerics.LogSumExp(row) - row[y]
	}
	return loss
}

// MSE is the squared error against Targets.
type MSE struct {
	Reduction Reduction
}

func (m MSE) Loss(out *mat.Dense, b Batch) (float64, *mat.Dense, error) {
	if b.Targets == nil {
		return 0, nil, fmt.Errorf("mse needs regression targets")
	}
	r, c := out.Dims()
	tr, tc := b.Targets.Dims()
	if r != tr || c != tc {
		return 0, nil, fmt.Errorf("targets are %dx%d, output is %dx%d", tr, tc, r, c)
	}
	var diff mat.Dense
	diff.Sub(out, b.Targets)
	var sq mat.Dense
	sq.MulElem(&diff, &diff)
	loss := mat.Sum(&sq)
	var grad mat.Dense
	grad.Scale(2, &diff)
	if m.Reduction == ReductionMean {
		n := float64(r * c)
		loss /= n
		grad.Scale(1/n, &grad)
	}
	return loss, &grad, nil
}
