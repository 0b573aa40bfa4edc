package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tape records the activations of one forward pass so gradients can be
// propagated back without recomputing them.
type Tape struct {
	model *Model
	// acts[i] is the input of layer i; acts[len(layers)] is the model output.
	acts []*mat.Dense
}

// Forward runs X (batch x in) through the model.
func (m *Model) Forward(X mat.Matrix) (*Tape, error) {
	rows, cols := X.Dims()
	if cols != m.InputSize() {
		return nil, fmt.Errorf("input has %d features, model expects %d", cols, m.InputSize())
	}
	acts := make([]*mat.Dense, len(m.Layers)+1)
	acts[0] = mat.DenseCopyOf(X)
	for i, l := range m.Layers {
		acts[i+1] = forwardLayer(l, acts[i], rows)
	}
	return &Tape{model: m, acts: acts}, nil
}

func forwardLayer(l *Layer, x *mat.Dense, batch int) *mat.Dense {
	y := mat.NewDense(batch, l.Out, nil)
	switch l.Kind {
	case KindLinear:
		w := mat.NewDense(l.Out, l.In, l.Weight)
		y.Mul(x, w.T())
		if l.Bias != nil {
			for n := 0; n < batch; n++ {
				floats.Add(y.RawRowView(n), l.Bias)
			}
		}
	case KindReLU:
		y.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, x)
	case KindTanh:
		y.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, x)
	case KindBatchNorm:
		y.Apply(func(_, j int, v float64) float64 {
			return l.Weight[j]*l.normalize(j, v) + l.Bias[j]
		}, x)
	}
	return y
}

func (l *Layer) normalize(j int, v float64) float64 {
	return (v - l.RunningMean[j]) / math.Sqrt(l.RunningVar[j]+l.Eps)
}

// Output is the model output of the recorded pass.
func (t *Tape) Output() *mat.Dense { return t.acts[len(t.acts)-1] }

// Input returns the activation fed into layer i.
func (t *Tape) Input(i int) *mat.Dense { return t.acts[i] }

// BatchSize is the number of examples in the recorded pass.
func (t *Tape) BatchSize() int {
	r, _ := t.acts[0].Dims()
	return r
}

// Backward takes per-example gradients of the loss with respect to the model
// output (batch x out) and returns, for every layer, the per-example gradient
// with respect to that layer's output.
func (t *Tape) Backward(gradOut mat.Matrix) ([]*mat.Dense, error) {
	r, c := gradOut.Dims()
	if r != t.BatchSize() || c != t.model.OutputSize() {
		return nil, fmt.Errorf("output gradient is %dx%d, want %dx%d", r, c, t.BatchSize(), t.model.OutputSize())
	}
	layers := t.model.Layers
	deltas := make([]*mat.Dense, len(layers))
	deltas[len(layers)-1] = mat.DenseCopyOf(gradOut)
	for i := len(layers) - 1; i > 0; i-- {
		deltas[i-1] = backwardLayer(layers[i], t.acts[i], t.acts[i+1], deltas[i])
	}
	return deltas, nil
}

func backwardLayer(l *Layer, x, y, delta *mat.Dense) *mat.Dense {
	batch, _ := x.Dims()
	g := mat.NewDense(batch, l.In, nil)
	switch l.Kind {
	case KindLinear:
		g.Mul(delta, mat.NewDense(l.Out, l.In, l.Weight))
	case KindReLU:
		g.Apply(func(i, j int, v float64) float64 {
			if x.At(i, j) > 0 {
				return v
			}
			return 0
		}, delta)
	case KindTanh:
		g.Apply(func(i, j int, v float64) float64 {
			o := y.At(i, j)
			return v * (1 - o*o)
		}, delta)
	case KindBatchNorm:
		g.Apply(func(_, j int, v float64) float64 {
			return v * l.Weight[j] / math.Sqrt(l.RunningVar[j]+l.Eps)
		}, delta)
	}
	return g
}

// ParamGrad is the batch-summed gradient of one layer.
type ParamGrad struct {
	Weight []float64
	Bias   []float64
}

// Gradients sums per-example parameter gradients over the batch, one entry
// per layer (parameter-free layers get an empty ParamGrad).
func (t *Tape) Gradients(gradOut mat.Matrix) ([]ParamGrad, error) {
	deltas, err := t.Backward(gradOut)
	if err != nil {
		return nil, err
	}
	grads := make([]ParamGrad, len(t.model.Layers))
	for i, l := range t.model.Layers {
		x, d := t.acts[i], deltas[i]
		switch l.Kind {
		case KindLinear:
			var dw mat.Dense
			dw.Mul(d.T(), x)
			grads[i].Weight = denseData(&dw)
			if l.Bias != nil {
				grads[i].Bias = columnSums(d)
			}
		case KindBatchNorm:
			xhat := l.normalized(x)
			xhat.MulElem(xhat, d)
			grads[i].Weight = columnSums(xhat)
			grads[i].Bias = columnSums(d)
		}
	}
	return grads, nil
}

func (l *Layer) normalized(x *mat.Dense) *mat.Dense {
	var xhat mat.Dense
	xhat.Apply(func(_, j int, v float64) float64 { return l.normalize(j, v) }, x)
	return &xhat
}

func columnSums(m *mat.Dense) []float64 {
	_, c := m.Dims()
	out := make([]float64, c)
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		floats.Add(out, m.RawRowView(i))
	}
	return out
}

// denseData returns the row-major backing values of m as a fresh slice.
func denseData(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}
