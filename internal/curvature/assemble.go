package curvature

import (
	"fmt"

	"github.com/23skdu/longbow-curvature/internal/fisher"
	"github.com/23skdu/longbow-curvature/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// assembleKron turns raw per-layer Kronecker statistics for a batch of m
// examples into factor groups, splitting bias from weight where the raw
// input factor was bias-augmented.
func assembleKron(model *nn.Model, stats map[int]*fisher.LayerStatistic, m int) (*KronFactors, []Diagnostic, error) {
	kron := &KronFactors{}
	var diags []Diagnostic
	for i, l := range model.Layers {
		traits := l.Traits()
		if traits.CurvatureSkippable {
			diags = append(diags, Diagnostic{
				Kind:    DiagnosticNormalizationSkipped,
				Layer:   l.Name,
				Message: "normalization layers are not supported for Kronecker curvature, ignoring",
			})
			continue
		}

		st, ok := stats[i]
		if !ok || st == nil || st.Kron == nil {
			continue
		}
		A, B := st.Kron.A, st.Kron.B

		switch {
		case traits.HasBias:
			ra, ca := A.Dims()
			if ra < 2 || ra != ca {
				return nil, nil, fmt.Errorf("%w: layer %q: input factor %dx%d cannot be split into weight and bias",
					ErrUnsupportedOperation, l.Name, ra, ca)
			}
			last := ra - 1
			weightA := mat.DenseCopyOf(A.Slice(0, last, 0, last))
			var biasB mat.Dense
			biasB.Scale(A.At(last, last)/float64(m), B)
			kron.Groups = append(kron.Groups,
				[]*mat.Dense{mat.DenseCopyOf(B), weightA},
				[]*mat.Dense{&biasB},
			)
		case traits.HasWeight:
			if isScalar(A) && isScalar(B) {
				merged := mat.NewDense(1, 1, []float64{B.At(0, 0) * A.At(0, 0)})
				kron.Groups = append(kron.Groups, []*mat.Dense{merged})
				continue
			}
			kron.Groups = append(kron.Groups, []*mat.Dense{mat.DenseCopyOf(B), mat.DenseCopyOf(A)})
		default:
			return nil, nil, fmt.Errorf("%w: layer %q (%s) has curvature statistics but no weight or bias",
				ErrUnsupportedOperation, l.Name, l.Kind)
		}
	}
	return kron, diags, nil
}

func isScalar(m *mat.Dense) bool {
	r, c := m.Dims()
	return r == 1 && c == 1
}
