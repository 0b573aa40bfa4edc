package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Model is an ordered stack of layers.
type Model struct {
	Layers []*Layer
}

// NewSequential validates that consecutive layer widths line up.
func NewSequential(layers ...*Layer) (*Model, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("model needs at least one layer")
	}
	for i, l := range layers {
		if err := l.validate(); err != nil {
			return nil, err
		}
		if i > 0 && layers[i-1].Out != l.In {
			return nil, fmt.Errorf("layer %q expects %d inputs, previous layer %q produces %d",
				l.Name, l.In, layers[i-1].Name, layers[i-1].Out)
		}
	}
	return &Model{Layers: layers}, nil
}

// InputSize is the feature width the first layer consumes.
func (m *Model) InputSize() int { return m.Layers[0].In }

// OutputSize is the width of the model output.
func (m *Model) OutputSize() int { return m.Layers[len(m.Layers)-1].Out }

// Clone deep-copies every layer.
func (m *Model) Clone() *Model {
	layers := make([]*Layer, len(m.Layers))
	for i, l := range m.Layers {
		layers[i] = l.clone()
	}
	return &Model{Layers: layers}
}

// NumParams counts scalar parameters.
func (m *Model) NumParams() int {
	n := 0
	for _, l := range m.Layers {
		n += l.NumParams()
	}
	return n
}

// ParamVector flattens all parameters in canonical order: layer order,
// weight (row-major) then bias.
func (m *Model) ParamVector() []float64 {
	v := make([]float64, 0, m.NumParams())
	for _, l := range m.Layers {
		v = append(v, l.Weight...)
		v = append(v, l.Bias...)
	}
	return v
}

// SetParamVector is the inverse of ParamVector.
func (m *Model) SetParamVector(v []float64) error {
	if len(v) != m.NumParams() {
		return fmt.Errorf("parameter vector has %d values, model has %d", len(v), m.NumParams())
	}
	off := 0
	for _, l := range m.Layers {
		off += copy(l.Weight, v[off:off+len(l.Weight)])
		off += copy(l.Bias, v[off:off+len(l.Bias)])
	}
	return nil
}

// Predict runs a forward pass and returns only the output.
func (m *Model) Predict(X mat.Matrix) (*mat.Dense, error) {
	tape, err := m.Forward(X)
	if err != nil {
		return nil, err
	}
	return tape.Output(), nil
}
