// Package curvature estimates loss-surface curvature of a trained classifier
// around its current parameters, as GGN or empirical Fisher, either
// diagonal or Kronecker-factored per layer.
package curvature

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-curvature/internal/fisher"
	"github.com/23skdu/longbow-curvature/internal/logger"
	"github.com/23skdu/longbow-curvature/internal/metrics"
	"github.com/23skdu/longbow-curvature/internal/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Likelihood names the observation model of the network.
type Likelihood string

const (
	LikelihoodClassification Likelihood = "classification"
	LikelihoodRegression     Likelihood = "regression"
)

// Variant tags which curvature a backend computes.
type Variant int

const (
	VariantGGN Variant = iota
	VariantGGNMonteCarlo
	VariantEF
)

func (v Variant) String() string {
	switch v {
	case VariantGGN:
		return "ggn"
	case VariantGGNMonteCarlo:
		return "ggn_mc"
	case VariantEF:
		return "ef"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// flavor is the Fisher-engine flavor a variant requests.
func (v Variant) flavor() fisher.Flavor {
	switch v {
	case VariantGGNMonteCarlo:
		return fisher.FisherMC
	case VariantEF:
		return fisher.Covariance
	default:
		return fisher.FisherExact
	}
}

// StatisticsEngine produces per-layer Fisher statistics.
type StatisticsEngine interface {
	CrossEntropy(model *nn.Model, flavor fisher.Flavor, shape fisher.Shape, X *mat.Dense, y []int) (*fisher.Result, error)
}

// Interface is the capability set every curvature backend offers.
type Interface interface {
	GGNType() fisher.Flavor
	Jacobians(X *mat.Dense) (*Jacobian, *mat.Dense, error)
	Diag(X *mat.Dense, y []int) (float64, []float64, error)
	Kron(X *mat.Dense, y []int, N int) (float64, *KronFactors, []Diagnostic, error)
	Full(X *mat.Dense, y []int) (float64, *mat.Dense, error)
}

var _ Interface = (*Backend)(nil)

// Backend computes curvature through a Fisher statistics engine. It holds no
// state between calls beyond its configuration.
type Backend struct {
	model      *nn.Model
	likelihood Likelihood
	variant    Variant
	lastLayer  bool
	factor     float64
	engine     StatisticsEngine
	log        *logger.Logger
}

type Option func(*options)

type options struct {
	stochastic bool
	lastLayer  bool
	factor     float64
	engine     StatisticsEngine
	log        *logger.Logger
}

// WithStochastic makes a GGN backend use the Monte-Carlo Fisher. Ignored by EF.
func WithStochastic(stochastic bool) Option {
	return func(o *options) { o.stochastic = stochastic }
}

// WithLastLayer records that the caller intends last-layer curvature. The
// backend does not restrict layers itself; callers pass the tail model.
func WithLastLayer(lastLayer bool) Option {
	return func(o *options) { o.lastLayer = lastLayer }
}

// WithFactor sets the scalar applied to both the loss and the curvature.
func WithFactor(factor float64) Option {
	return func(o *options) { o.factor = factor }
}

func WithEngine(e StatisticsEngine) Option {
	return func(o *options) { o.engine = e }
}

func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// NewGGN builds a generalized Gauss-Newton backend: exact Fisher, or
// Monte-Carlo Fisher when WithStochastic(true) is given.
func NewGGN(model *nn.Model, likelihood Likelihood, opts ...Option) (*Backend, error) {
	o := resolve(opts)
	v := VariantGGN
	if o.stochastic {
		v = VariantGGNMonteCarlo
	}
	return newBackend(model, likelihood, v, o)
}

// NewEF builds an empirical Fisher backend.
func NewEF(model *nn.Model, likelihood Likelihood, opts ...Option) (*Backend, error) {
	return newBackend(model, likelihood, VariantEF, resolve(opts))
}

func resolve(opts []Option) options {
	o := options{factor: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newBackend(model *nn.Model, likelihood Likelihood, v Variant, o options) (*Backend, error) {
	if likelihood != LikelihoodClassification {
		metrics.RecordCurvatureError("construct", errorType(ErrUnsupportedLikelihood))
		return nil, fmt.Errorf("%w: %q, this backend only supports classification", ErrUnsupportedLikelihood, likelihood)
	}
	if model == nil {
		return nil, fmt.Errorf("backend needs a model")
	}
	if o.engine == nil {
		o.engine = fisher.NewEngine()
	}
	if o.log == nil {
		o.log = logger.Log.With("curvature")
	}
	b := &Backend{
		model:      model,
		likelihood: likelihood,
		variant:    v,
		lastLayer:  o.lastLayer,
		factor:     o.factor,
		engine:     o.engine,
		log:        o.log,
	}
	if b.lastLayer {
		b.log.Debug("last-layer flag set; layers are not filtered by the backend", "layers", len(model.Layers))
	}
	return b, nil
}

// GGNType is the Fisher flavor requested from the statistics engine.
func (b *Backend) GGNType() fisher.Flavor { return b.variant.flavor() }

func (b *Backend) Variant() Variant { return b.variant }

func (b *Backend) LastLayer() bool { return b.lastLayer }

func (b *Backend) Factor() float64 { return b.factor }

func (b *Backend) Likelihood() Likelihood { return b.likelihood }

// Jacobians returns per-example, per-output parameter gradients and the model output.
func (b *Backend) Jacobians(X *mat.Dense) (*Jacobian, *mat.Dense, error) {
	J, f, err := Jacobians(b.model, X)
	if err != nil {
		b.fail("jacobians", err)
		return nil, nil, err
	}
	return J, f, nil
}

// Diag returns factor*loss and factor times the diagonal curvature, flattened
// in canonical parameter order.
func (b *Backend) Diag(X *mat.Dense, y []int) (float64, []float64, error) {
	start := time.Now()
	if err := checkBatch(X, y); err != nil {
		b.fail("diag", err)
		return 0, nil, err
	}
	res, err := b.engine.CrossEntropy(b.model, b.GGNType(), fisher.ShapeDiag, X, y)
	if err != nil {
		b.fail("diag", err)
		return 0, nil, err
	}
	diag := flattenDiag(b.model, res.Stats)
	loss, err := b.loss(X, y)
	if err != nil {
		b.fail("diag", err)
		return 0, nil, err
	}
	floats.Scale(b.factor, diag)

	metrics.RecordCurvature(b.GGNType().String(), fisher.ShapeDiag.String(), time.Since(start))
	b.log.Debug("diagonal curvature", "variant", b.variant.String(), "params", len(diag), "loss", loss)
	return b.factor * loss, diag, nil
}

// Kron returns factor*loss and the Kronecker-factored curvature for a batch
// drawn from a dataset of N examples, scaled by factor, together with any
// non-fatal diagnostics raised during assembly.
func (b *Backend) Kron(X *mat.Dense, y []int, N int) (float64, *KronFactors, []Diagnostic, error) {
	start := time.Now()
	if err := checkBatch(X, y); err != nil {
		b.fail("kron", err)
		return 0, nil, nil, err
	}
	if N <= 0 {
		err := fmt.Errorf("dataset size must be positive, got %d", N)
		b.fail("kron", err)
		return 0, nil, nil, err
	}
	M := len(y)
	res, err := b.engine.CrossEntropy(b.model, b.GGNType(), fisher.ShapeKron, X, y)
	if err != nil {
		b.fail("kron", err)
		return 0, nil, nil, err
	}
	kron, diags, err := assembleKron(b.model, res.Stats, M)
	if err != nil {
		b.fail("kron", err)
		return 0, nil, nil, err
	}
	kron.Rescale(float64(N))
	for _, d := range diags {
		metrics.RecordDiagnostic(string(d.Kind))
		b.log.Warn("curvature diagnostic", "kind", string(d.Kind), "layer", d.Layer, "message", d.Message)
	}
	loss, err := b.loss(X, y)
	if err != nil {
		b.fail("kron", err)
		return 0, nil, nil, err
	}

	metrics.RecordCurvature(b.GGNType().String(), fisher.ShapeKron.String(), time.Since(start))
	metrics.RecordKronGroups(kron.Len())
	b.log.Debug("kronecker curvature", "variant", b.variant.String(), "groups", kron.Len(), "batch", M, "dataset", N)
	return b.factor * loss, kron.Scale(b.factor), diags, nil
}

// Full is not available in this backend family.
func (b *Backend) Full(X *mat.Dense, y []int) (float64, *mat.Dense, error) {
	err := fmt.Errorf("%w: %s backend cannot compute a dense curvature matrix", ErrUnsupportedOperation, b.variant)
	b.fail("full", err)
	return 0, nil, err
}

// checkBatch requires one label per input row.
func checkBatch(X *mat.Dense, y []int) error {
	if X == nil {
		return fmt.Errorf("%w: no inputs", ErrValidation)
	}
	rows, _ := X.Dims()
	if len(y) != rows {
		return fmt.Errorf("%w: got %d labels for %d examples", ErrValidation, len(y), rows)
	}
	return nil
}

// loss is the summed cross-entropy of a plain forward pass.
func (b *Backend) loss(X *mat.Dense, y []int) (float64, error) {
	out, err := b.model.Predict(X)
	if err != nil {
		return 0, err
	}
	if _, err := nn.Probabilities(out, y); err != nil {
		return 0, err
	}
	return nn.CrossEntropySum(out, y), nil
}

func (b *Backend) fail(op string, err error) {
	metrics.RecordCurvatureError(op, errorType(err))
	b.log.Error("curvature request failed", "operation", op, "variant", b.variant.String(), "err", err)
}

// flattenDiag concatenates per-layer diagonals in layer order, weight then bias.
func flattenDiag(model *nn.Model, stats map[int]*fisher.LayerStatistic) []float64 {
	var out []float64
	for i := range model.Layers {
		st, ok := stats[i]
		if !ok || st == nil || st.Diag == nil {
			continue
		}
		out = append(out, st.Diag.Weight...)
		out = append(out, st.Diag.Bias...)
	}
	return out
}
