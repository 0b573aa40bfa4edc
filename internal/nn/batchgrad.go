package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// BatchGrad holds one per-example gradient tensor. Shape[0] is the batch
// dimension; Data is row-major.
type BatchGrad struct {
	Shape []int
	Data  []float64
}

// Batch is the leading dimension.
func (g *BatchGrad) Batch() int { return g.Shape[0] }

// Width is the product of all non-batch dimensions.
func (g *BatchGrad) Width() int {
	w := 1
	for _, d := range g.Shape[1:] {
		w *= d
	}
	return w
}

// Flatten views the gradient as batch x Width, collapsing every non-batch dimension.
func (g *BatchGrad) Flatten() *mat.Dense {
	return mat.NewDense(g.Batch(), g.Width(), g.Data)
}

// GradRecord is the per-example gradient record attached to one parametric
// layer after a differentiation pass, keyed by parameter role.
type GradRecord struct {
	Layer string
	// Index is the position of the layer in Model.Layers.
	Index int
	Grads map[string]*BatchGrad
}

// OutputGrad maps a model output (batch x out) to the per-example gradient of
// a scalar loss with respect to that output.
type OutputGrad func(out *mat.Dense) *mat.Dense

// PerExampleGradients expands output gradients into per-example parameter
// gradients for every parametric layer, in layer order.
func (t *Tape) PerExampleGradients(gradOut mat.Matrix) ([]GradRecord, error) {
	deltas, err := t.Backward(gradOut)
	if err != nil {
		return nil, err
	}
	batch := t.BatchSize()
	var records []GradRecord
	for i, l := range t.model.Layers {
		if !l.Traits().Parametric() {
			continue
		}
		x, d := t.acts[i], deltas[i]
		rec := GradRecord{Layer: l.Name, Index: i, Grads: make(map[string]*BatchGrad, 2)}
		switch l.Kind {
		case KindLinear:
			w := &BatchGrad{Shape: []int{batch, l.Out, l.In}, Data: make([]float64, batch*l.Out*l.In)}
			for n := 0; n < batch; n++ {
				a, dn := x.RawRowView(n), d.RawRowView(n)
				row := w.Data[n*l.Out*l.In:]
				for o, dv := range dn {
					for j, av := range a {
						row[o*l.In+j] = dv * av
					}
				}
			}
			rec.Grads[RoleWeight] = w
			if l.Bias != nil {
				rec.Grads[RoleBias] = &BatchGrad{Shape: []int{batch, l.Out}, Data: denseData(d)}
			}
		case KindBatchNorm:
			xhat := l.normalized(x)
			xhat.MulElem(xhat, d)
			rec.Grads[RoleWeight] = &BatchGrad{Shape: []int{batch, l.Out}, Data: denseData(xhat)}
			rec.Grads[RoleBias] = &BatchGrad{Shape: []int{batch, l.Out}, Data: denseData(d)}
		}
		records = append(records, rec)
	}
	return records, nil
}

// BatchGradient runs one forward and one reverse pass for the scalar loss
// defined by lossGrad, returning the forward output and the per-example
// gradient records of every parametric layer.
func BatchGradient(m *Model, lossGrad OutputGrad, X mat.Matrix) (*mat.Dense, []GradRecord, error) {
	tape, err := m.Forward(X)
	if err != nil {
		return nil, nil, err
	}
	out := tape.Output()
	g := lossGrad(out)
	if g == nil {
		return nil, nil, fmt.Errorf("loss produced no output gradient")
	}
	records, err := tape.PerExampleGradients(g)
	if err != nil {
		return nil, nil, err
	}
	return out, records, nil
}
