package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Kind is the closed set of layer types the curvature code understands.
type Kind uint8

const (
	KindLinear Kind = iota
	KindReLU
	KindTanh
	KindBatchNorm
)

func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindReLU:
		return "relu"
	case KindTanh:
		return "tanh"
	case KindBatchNorm:
		return "batchnorm"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Traits are the capabilities of a layer, fixed when the layer is built.
type Traits struct {
	HasWeight bool
	HasBias   bool
	// CurvatureSkippable marks normalization layers whose Kronecker
	// curvature is dropped rather than approximated.
	CurvatureSkippable bool
}

// Parametric reports whether the layer owns any trainable tensor.
func (t Traits) Parametric() bool { return t.HasWeight || t.HasBias }

// Parameter roles used as gradient record keys.
const (
	RoleWeight = "weight"
	RoleBias   = "bias"
)

// Layer is one element of a sequential model.
//
// Linear: Weight is row-major [Out x In], Bias has length Out (nil without bias).
// BatchNorm: Weight is gamma, Bias is beta, both of length In == Out; the
// running statistics are frozen so the layer acts as a per-feature affine map.
type Layer struct {
	Name string
	Kind Kind
	In   int
	Out  int

	Weight []float64
	Bias   []float64

	RunningMean []float64
	RunningVar  []float64
	Eps         float64

	traits Traits
}

// Traits returns the capability tags resolved at construction.
func (l *Layer) Traits() Traits { return l.traits }

// NumParams returns the number of scalar parameters owned by the layer.
func (l *Layer) NumParams() int { return len(l.Weight) + len(l.Bias) }

// WeightShape is the per-example gradient shape of the weight, without the batch dim.
func (l *Layer) WeightShape() []int {
	switch l.Kind {
	case KindLinear:
		return []int{l.Out, l.In}
	case KindBatchNorm:
		return []int{l.Out}
	}
	return nil
}

// NewLinear builds a fully connected layer. When src is non-nil the weights
// are He-initialised from it, otherwise all parameters start at zero.
func NewLinear(name string, in, out int, withBias bool, src rand.Source) *Layer {
	l := &Layer{
		Name:   name,
		Kind:   KindLinear,
		In:     in,
		Out:    out,
		Weight: make([]float64, in*out),
		traits: Traits{HasWeight: true, HasBias: withBias},
	}
	if withBias {
		l.Bias = make([]float64, out)
	}
	if src != nil {
		init := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2.0 / float64(in)), Src: src}
		for i := range l.Weight {
			l.Weight[i] = init.Rand()
		}
	}
	return l
}

// NewReLU builds a parameter-free rectifier over size features.
func NewReLU(name string, size int) *Layer {
	return &Layer{Name: name, Kind: KindReLU, In: size, Out: size}
}

// NewTanh builds a parameter-free tanh activation over size features.
func NewTanh(name string, size int) *Layer {
	return &Layer{Name: name, Kind: KindTanh, In: size, Out: size}
}

// NewBatchNorm builds an inference-mode batch normalization layer with unit
// gamma, zero beta, zero running mean and unit running variance.
func NewBatchNorm(name string, size int) *Layer {
	l := &Layer{
		Name:        name,
		Kind:        KindBatchNorm,
		In:          size,
		Out:         size,
		Weight:      make([]float64, size),
		Bias:        make([]float64, size),
		RunningMean: make([]float64, size),
		RunningVar:  make([]float64, size),
		Eps:         1e-5,
		traits:      Traits{HasWeight: true, HasBias: true, CurvatureSkippable: true},
	}
	for i := 0; i < size; i++ {
		l.Weight[i] = 1
		l.RunningVar[i] = 1
	}
	return l
}

func (l *Layer) clone() *Layer {
	c := *l
	c.Weight = cloneSlice(l.Weight)
	c.Bias = cloneSlice(l.Bias)
	c.RunningMean = cloneSlice(l.RunningMean)
	c.RunningVar = cloneSlice(l.RunningVar)
	return &c
}

func cloneSlice(s []float64) []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}

func (l *Layer) validate() error {
	if l.In <= 0 || l.Out <= 0 {
		return fmt.Errorf("layer %q: invalid dims in=%d out=%d", l.Name, l.In, l.Out)
	}
	switch l.Kind {
	case KindLinear:
		if len(l.Weight) != l.In*l.Out {
			return fmt.Errorf("layer %q: weight has %d values, want %d", l.Name, len(l.Weight), l.In*l.Out)
		}
		if l.traits.HasBias && len(l.Bias) != l.Out {
			return fmt.Errorf("layer %q: bias has %d values, want %d", l.Name, len(l.Bias), l.Out)
		}
	case KindBatchNorm:
		if l.In != l.Out || len(l.Weight) != l.In || len(l.Bias) != l.In ||
			len(l.RunningMean) != l.In || len(l.RunningVar) != l.In {
			return fmt.Errorf("layer %q: inconsistent batchnorm sizes", l.Name)
		}
	case KindReLU, KindTanh:
		if l.In != l.Out {
			return fmt.Errorf("layer %q: activation must preserve width", l.Name)
		}
	default:
		return fmt.Errorf("layer %q: unknown kind %v", l.Name, l.Kind)
	}
	return nil
}
