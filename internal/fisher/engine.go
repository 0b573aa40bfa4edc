// Package fisher computes per-layer Fisher statistics for softmax
// cross-entropy models in diagonal or Kronecker-factored form.
//
// All statistics are sums over the batch. For a linear layer with input a
// (augmented with a trailing 1 when the layer has a bias) and output
// gradient g, the Kronecker pair is A = Σ a aᵀ and B = Σ g gᵀ, where the
// second sum also runs over the sampled or enumerated classes.
package fisher

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/23skdu/longbow-curvature/internal/logger"
	"github.com/23skdu/longbow-curvature/internal/metrics"
	"github.com/23skdu/longbow-curvature/internal/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Flavor selects which curvature is estimated.
type Flavor int

const (
	// FisherExact enumerates every class weighted by its predicted probability.
	FisherExact Flavor = iota
	// FisherMC samples classes from the predictive distribution.
	FisherMC
	// Covariance uses the observed labels: the empirical Fisher.
	Covariance
)

func (f Flavor) String() string {
	switch f {
	case FisherExact:
		return "fisher_exact"
	case FisherMC:
		return "fisher_mc"
	case Covariance:
		return "cov"
	default:
		return fmt.Sprintf("flavor(%d)", int(f))
	}
}

// Shape selects the structure of the returned statistics.
type Shape int

const (
	ShapeDiag Shape = iota
	ShapeKron
)

func (s Shape) String() string {
	switch s {
	case ShapeDiag:
		return "diag"
	case ShapeKron:
		return "kron"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Diag holds the diagonal curvature of one layer, weight then bias, in the
// layer's parameter order.
type Diag struct {
	Weight []float64
	Bias   []float64
}

// Kron is a raw Kronecker pair: A over (possibly bias-augmented) inputs, B
// over output gradients.
type Kron struct {
	A *mat.Dense
	B *mat.Dense
}

// LayerStatistic is the statistic produced for one layer; exactly one field is set.
type LayerStatistic struct {
	Diag *Diag
	Kron *Kron
}

// Result is the output of one engine call.
type Result struct {
	// Stats is keyed by the index of the layer in Model.Layers. Layers the
	// engine has nothing to say about are absent.
	Stats map[int]*LayerStatistic
	// Outputs is the forward output the statistics were computed from.
	Outputs *mat.Dense
}

type Engine struct {
	mcSamples int
	src       rand.Source
	log       *logger.Logger
}

type Option func(*Engine)

// WithMCSamples sets how many classes are drawn per example for FisherMC.
func WithMCSamples(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.mcSamples = n
		}
	}
}

// WithSource sets the random source used for Monte-Carlo sampling.
func WithSource(src rand.Source) Option {
	return func(e *Engine) { e.src = src }
}

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{mcSamples: 1, src: rand.NewPCG(0, 0)}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Log.With("fisher")
	}
	return e
}

// CrossEntropy computes statistics of the requested flavor and shape for the
// softmax cross-entropy loss of model on (X, y).
func (e *Engine) CrossEntropy(model *nn.Model, flavor Flavor, shape Shape, X *mat.Dense, y []int) (*Result, error) {
	start := time.Now()
	tape, err := model.Forward(X)
	if err != nil {
		return nil, err
	}
	probs, err := nn.Probabilities(tape.Output(), y)
	if err != nil {
		return nil, err
	}
	if y == nil && flavor == Covariance {
		return nil, fmt.Errorf("%s needs labels", flavor)
	}

	dirs, err := e.directions(flavor, probs, y)
	if err != nil {
		return nil, err
	}

	var acc accumulator
	switch shape {
	case ShapeDiag:
		acc = newDiagAccumulator()
	case ShapeKron:
		acc = newKronAccumulator(model, tape)
	default:
		return nil, fmt.Errorf("unknown shape %v", shape)
	}
	for _, g := range dirs {
		if err := acc.add(tape, g); err != nil {
			return nil, err
		}
	}
	metrics.RecordFisherPasses(flavor.String(), len(dirs))

	res := &Result{Stats: acc.stats(), Outputs: tape.Output()}
	e.log.Debug("fisher statistics computed",
		"flavor", flavor.String(),
		"shape", shape.String(),
		"batch", tape.BatchSize(),
		"passes", len(dirs),
		"layers", len(res.Stats),
		"elapsed", time.Since(start).String())
	return res, nil
}

// directions returns the output-space gradients whose outer products, summed,
// give the requested Fisher. Each row is pre-scaled by the square root of its
// weight so accumulators only need plain sums of squares.
func (e *Engine) directions(flavor Flavor, probs *mat.Dense, y []int) ([]*mat.Dense, error) {
	batch, classes := probs.Dims()
	residual := func(n, c int, scale float64, dst []float64) {
		copy(dst, probs.RawRowView(n))
		dst[c] -= 1
		floats.Scale(scale, dst)
	}

	switch flavor {
	case FisherExact:
		dirs := make([]*mat.Dense, classes)
		for c := 0; c < classes; c++ {
			g := mat.NewDense(batch, classes, nil)
			for n := 0; n < batch; n++ {
				residual(n, c, math.Sqrt(probs.At(n, c)), g.RawRowView(n))
			}
			dirs[c] = g
		}
		return dirs, nil
	case FisherMC:
		scale := math.Sqrt(1 / float64(e.mcSamples))
		dirs := make([]*mat.Dense, e.mcSamples)
		for s := range dirs {
			dirs[s] = mat.NewDense(batch, classes, nil)
		}
		for n := 0; n < batch; n++ {
			cat := distuv.NewCategorical(probs.RawRowView(n), e.src)
			for s := range dirs {
				residual(n, int(cat.Rand()), scale, dirs[s].RawRowView(n))
			}
		}
		return dirs, nil
	case Covariance:
		g := mat.NewDense(batch, classes, nil)
		for n := 0; n < batch; n++ {
			residual(n, y[n], 1, g.RawRowView(n))
		}
		return []*mat.Dense{g}, nil
	default:
		return nil, fmt.Errorf("unknown flavor %v", flavor)
	}
}

type accumulator interface {
	add(tape *nn.Tape, gradOut *mat.Dense) error
	stats() map[int]*LayerStatistic
}

// diagAccumulator sums squared per-example gradients of every parametric layer.
type diagAccumulator struct {
	diags map[int]*Diag
}

func newDiagAccumulator() *diagAccumulator {
	return &diagAccumulator{diags: make(map[int]*Diag)}
}

func (d *diagAccumulator) add(tape *nn.Tape, gradOut *mat.Dense) error {
	records, err := tape.PerExampleGradients(gradOut)
	if err != nil {
		return err
	}
	for _, rec := range records {
		st, ok := d.diags[rec.Index]
		if !ok {
			st = &Diag{}
			d.diags[rec.Index] = st
		}
		if g, ok := rec.Grads[nn.RoleWeight]; ok {
			st.Weight = addSquaredColumns(st.Weight, g)
		}
		if g, ok := rec.Grads[nn.RoleBias]; ok {
			st.Bias = addSquaredColumns(st.Bias, g)
		}
	}
	return nil
}

func addSquaredColumns(dst []float64, g *nn.BatchGrad) []float64 {
	if dst == nil {
		dst = make([]float64, g.Width())
	}
	flat := g.Flatten()
	for n := 0; n < g.Batch(); n++ {
		for j, v := range flat.RawRowView(n) {
			dst[j] += v * v
		}
	}
	return dst
}

func (d *diagAccumulator) stats() map[int]*LayerStatistic {
	out := make(map[int]*LayerStatistic, len(d.diags))
	for i, st := range d.diags {
		out[i] = &LayerStatistic{Diag: st}
	}
	return out
}

// kronAccumulator builds A once per linear layer from the recorded inputs and
// sums B over every direction.
type kronAccumulator struct {
	model *nn.Model
	krons map[int]*Kron
}

func newKronAccumulator(model *nn.Model, tape *nn.Tape) *kronAccumulator {
	k := &kronAccumulator{model: model, krons: make(map[int]*Kron)}
	for i, l := range model.Layers {
		if l.Kind != nn.KindLinear {
			continue
		}
		in := tape.Input(i)
		if l.Traits().HasBias {
			batch, _ := in.Dims()
			ones := mat.NewDense(batch, 1, nil)
			for n := 0; n < batch; n++ {
				ones.Set(n, 0, 1)
			}
			var aug mat.Dense
			aug.Augment(in, ones)
			in = &aug
		}
		var a mat.Dense
		a.Mul(in.T(), in)
		k.krons[i] = &Kron{A: &a, B: mat.NewDense(l.Out, l.Out, nil)}
	}
	return k
}

func (k *kronAccumulator) add(tape *nn.Tape, gradOut *mat.Dense) error {
	deltas, err := tape.Backward(gradOut)
	if err != nil {
		return err
	}
	for i, kr := range k.krons {
		var b mat.Dense
		b.Mul(deltas[i].T(), deltas[i])
		kr.B.Add(kr.B, &b)
	}
	return nil
}

func (k *kronAccumulator) stats() map[int]*LayerStatistic {
	out := make(map[int]*LayerStatistic, len(k.krons))
	for i, kr := range k.krons {
		out[i] = &LayerStatistic{Kron: kr}
	}
	return out
}
