package fisher

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/23skdu/longbow-curvature/internal/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func fixture(t *testing.T) (*nn.Model, *mat.Dense, []int) {
	t.Helper()
	src := rand.NewPCG(3, 4)
	m, err := nn.NewSequential(
		nn.NewLinear("fc1", 3, 4, true, src),
		nn.NewTanh("act", 4),
		nn.NewBatchNorm("bn", 4),
		nn.NewLinear("fc2", 4, 3, false, src),
	)
	if err != nil {
		t.Fatalf("NewSequential: %v", err)
	}
	X := mat.NewDense(4, 3, []float64{
		0.2, -1, 0.5,
		1, 0.4, -0.3,
		-0.6, 0.9, 0.1,
		0.3, 0.3, 0.3,
	})
	return m, X, []int{0, 2, 1, 2}
}

// bruteDiag weights the squared per-example gradient of every candidate label.
func bruteDiag(t *testing.T, m *nn.Model, X *mat.Dense, weight func(n, c int, p *mat.Dense) float64) []float64 {
	t.Helper()
	tape, _ := m.Forward(X)
	p, _ := nn.Probabilities(tape.Output(), nil)
	batch, classes := p.Dims()
	total := make([]float64, m.NumParams())
	for n := 0; n < batch; n++ {
		for c := 0; c < classes; c++ {
			w := weight(n, c, p)
			if w == 0 {
				continue
			}
			g := mat.NewDense(batch, classes, nil)
			copy(g.RawRowView(n), p.RawRowView(n))
			g.Set(n, c, g.At(n, c)-1)
			grads, err := tape.Gradients(g)
			if err != nil {
				t.Fatalf("Gradients: %v", err)
			}
			var flat []float64
			for _, pg := range grads {
				flat = append(flat, pg.Weight...)
				flat = append(flat, pg.Bias...)
			}
			for i, v := range flat {
				total[i] += w * v * v
			}
		}
	}
	return total
}

func flatten(m *nn.Model, res *Result) []float64 {
	var v []float64
	for i := range m.Layers {
		st, ok := res.Stats[i]
		if !ok || st.Diag == nil {
			continue
		}
		v = append(v, st.Diag.Weight...)
		v = append(v, st.Diag.Bias...)
	}
	return v
}

func TestDiagMatchesBruteForce(t *testing.T) {
	m, X, y := fixture(t)

	tests := []struct {
		name   string
		flavor Flavor
		weight func(n, c int, p *mat.Dense) float64
	}{
		{"empirical", Covariance, func(n, c int, _ *mat.Dense) float64 {
			if c == y[n] {
				return 1
			}
			return 0
		}},
		{"exact", FisherExact, func(n, c int, p *mat.Dense) float64 { return p.At(n, c) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewEngine().CrossEntropy(m, tt.flavor, ShapeDiag, X, y)
			if err != nil {
				t.Fatalf("CrossEntropy: %v", err)
			}
			got := flatten(m, res)
			want := bruteDiag(t, m, X, tt.weight)
			if len(got) != len(want) {
				t.Fatalf("expected %d entries, got %d", len(want), len(got))
			}
			if !floats.EqualApprox(got, want, 1e-10) {
				t.Errorf("diag mismatch\n got %v\nwant %v", got, want)
			}
		})
	}
}

func TestDiagCoversBatchNorm(t *testing.T) {
	m, X, y := fixture(t)
	res, err := NewEngine().CrossEntropy(m, Covariance, ShapeDiag, X, y)
	if err != nil {
		t.Fatalf("CrossEntropy: %v", err)
	}
	for _, i := range []int{0, 2, 3} {
		if res.Stats[i] == nil || res.Stats[i].Diag == nil {
			t.Errorf("layer %d: expected diagonal statistic", i)
		}
	}
	if _, ok := res.Stats[1]; ok {
		t.Error("activation layer should have no statistic")
	}
	if res.Stats[3].Diag.Bias != nil {
		t.Error("bias-free layer should have no bias diagonal")
	}
}

func TestKronStatistics(t *testing.T) {
	m, X, y := fixture(t)
	res, err := NewEngine().CrossEntropy(m, Covariance, ShapeKron, X, y)
	if err != nil {
		t.Fatalf("CrossEntropy: %v", err)
	}
	if len(res.Stats) != 2 {
		t.Fatalf("expected kron statistics for the two linear layers, got %d", len(res.Stats))
	}
	if _, ok := res.Stats[2]; ok {
		t.Error("batchnorm must not get a Kronecker statistic")
	}

	k1 := res.Stats[0].Kron
	if r, c := k1.A.Dims(); r != 4 || c != 4 {
		t.Errorf("biased layer A should be augmented to 4x4, got %dx%d", r, c)
	}
	if got := k1.A.At(3, 3); got != 4 {
		t.Errorf("augmentation corner should equal batch size 4, got %v", got)
	}
	if r, c := k1.B.Dims(); r != 4 || c != 4 {
		t.Errorf("B should be out x out, got %dx%d", r, c)
	}

	k2 := res.Stats[3].Kron
	if r, _ := k2.A.Dims(); r != 4 {
		t.Errorf("bias-free layer A should not be augmented, got %d rows", r)
	}

	// the bias block of the empirical Fisher is exactly B
	diag, _ := NewEngine().CrossEntropy(m, Covariance, ShapeDiag, X, y)
	for o := 0; o < 4; o++ {
		if math.Abs(k1.B.At(o, o)-diag.Stats[0].Diag.Bias[o]) > 1e-10 {
			t.Errorf("B[%d,%d]=%v, bias diag %v", o, o, k1.B.At(o, o), diag.Stats[0].Diag.Bias[o])
		}
	}
}

func TestMonteCarloApproachesExact(t *testing.T) {
	m, X, y := fixture(t)
	exact, err := NewEngine().CrossEntropy(m, FisherExact, ShapeDiag, X, y)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	mc, err := NewEngine(WithMCSamples(4000), WithSource(rand.NewPCG(9, 9))).CrossEntropy(m, FisherMC, ShapeDiag, X, y)
	if err != nil {
		t.Fatalf("mc: %v", err)
	}
	want := floats.Sum(flatten(m, exact))
	got := floats.Sum(flatten(m, mc))
	if math.Abs(got-want)/want > 0.1 {
		t.Errorf("MC trace %v too far from exact trace %v", got, want)
	}
}

func TestMonteCarloIsSeeded(t *testing.T) {
	m, X, y := fixture(t)
	a, _ := NewEngine(WithSource(rand.NewPCG(1, 1))).CrossEntropy(m, FisherMC, ShapeDiag, X, y)
	b, _ := NewEngine(WithSource(rand.NewPCG(1, 1))).CrossEntropy(m, FisherMC, ShapeDiag, X, y)
	if !floats.Equal(flatten(m, a), flatten(m, b)) {
		t.Error("same seed should give identical MC statistics")
	}
}

func TestCrossEntropyErrors(t *testing.T) {
	m, X, _ := fixture(t)
	if _, err := NewEngine().CrossEntropy(m, Covariance, ShapeDiag, X, nil); err == nil {
		t.Error("expected empirical Fisher to require labels")
	}
	if _, err := NewEngine().CrossEntropy(m, Covariance, ShapeDiag, X, []int{0, 1, 2, 9}); err == nil {
		t.Error("expected label range error")
	}
	if _, err := NewEngine().CrossEntropy(m, Flavor(42), ShapeDiag, X, []int{0, 1, 2, 0}); err == nil {
		t.Error("expected unknown flavor error")
	}
}

func TestFlavorAndShapeNames(t *testing.T) {
	if FisherExact.String() != "fisher_exact" || FisherMC.String() != "fisher_mc" || Covariance.String() != "cov" {
		t.Error("unexpected flavor names")
	}
	if ShapeDiag.String() != "diag" || ShapeKron.String() != "kron" {
		t.Error("unexpected shape names")
	}
}
