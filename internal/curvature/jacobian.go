package curvature

import (
	"fmt"

	"github.com/23skdu/longbow-curvature/internal/metrics"
	"github.com/23skdu/longbow-curvature/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// Jacobian is the per-example derivative of every model output with respect
// to every parameter, shape (Batch, Outputs, Params), stored row-major.
type Jacobian struct {
	Batch   int
	Outputs int
	Params  int
	Data    []float64
}

// At returns d out[n,k] / d theta[p].
func (j *Jacobian) At(n, k, p int) float64 {
	return j.Data[(n*j.Outputs+k)*j.Params+p]
}

// Example returns the Outputs x Params Jacobian of example n as a view.
func (j *Jacobian) Example(n int) *mat.Dense {
	stride := j.Outputs * j.Params
	return mat.NewDense(j.Outputs, j.Params, j.Data[n*stride:(n+1)*stride])
}

// Jacobians differentiates each output unit separately: for output k the
// scalar loss is the batch sum of out[:, k], one reverse pass yields the
// per-example gradients, and the gathered matrices are stacked in ascending
// k. It also returns the forward output. Cost is one backward pass per output.
func Jacobians(model *nn.Model, X mat.Matrix) (*Jacobian, *mat.Dense, error) {
	outputs := model.OutputSize()
	var (
		jac *Jacobian
		f   *mat.Dense
	)
	for k := 0; k < outputs; k++ {
		unit := func(out *mat.Dense) *mat.Dense {
			r, c := out.Dims()
			g := mat.NewDense(r, c, nil)
			for n := 0; n < r; n++ {
				g.Set(n, k, 1)
			}
			return g
		}
		out, records, err := nn.BatchGradient(model, unit, X)
		if err != nil {
			return nil, nil, fmt.Errorf("jacobian of output %d: %w", k, err)
		}
		metrics.RecordJacobianPass()
		G, err := GatherBatchGrads(records)
		if err != nil {
			return nil, nil, fmt.Errorf("jacobian of output %d: %w", k, err)
		}
		batch, params := G.Dims()
		if jac == nil {
			jac = &Jacobian{Batch: batch, Outputs: outputs, Params: params, Data: make([]float64, batch*outputs*params)}
			f = out
		}
		for n := 0; n < batch; n++ {
			copy(jac.Data[(n*outputs+k)*params:], G.RawRowView(n))
		}
	}
	return jac, f, nil
}
