package swag

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/23skdu/longbow-curvature/internal/data"
	"github.com/23skdu/longbow-curvature/internal/metrics"
	"github.com/23skdu/longbow-curvature/internal/nn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gonum.org/v1/gonum/floats"
)

func setup(t *testing.T) (*nn.Model, *data.Loader) {
	t.Helper()
	ds, err := data.GaussianBlobs(24, 3, 2, 0.5, 7)
	if err != nil {
		t.Fatalf("GaussianBlobs: %v", err)
	}
	loader, err := data.NewLoader(ds, 8, true, 3)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	src := rand.NewPCG(5, 6)
	m, err := nn.NewSequential(
		nn.NewLinear("fc1", 2, 6, true, src),
		nn.NewReLU("relu", 6),
		nn.NewLinear("fc2", 6, 3, true, src),
	)
	if err != nil {
		t.Fatalf("NewSequential: %v", err)
	}
	return m, loader
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero snapshots", func(c *Config) { c.NSnapshotsTotal = 0 }, true},
		{"zero frequency", func(c *Config) { c.SnapshotFreq = 0 }, true},
		{"negative min var", func(c *Config) { c.MinVar = -1 }, true},
		{"zero learning rate", func(c *Config) { c.LR = 0 }, true},
		{"momentum above one", func(c *Config) { c.Momentum = 1.5 }, true},
		{"no momentum", func(c *Config) { c.Momentum = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSingleSnapshotGivesMinVar(t *testing.T) {
	tests := []struct {
		name   string
		minVar float64
	}{
		{"default floor", DefaultConfig().MinVar},
		{"custom floor", 1e-12},
		{"zero floor", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, loader := setup(t)
			cfg := DefaultConfig()
			cfg.NSnapshotsTotal = 1
			cfg.MinVar = tt.minVar

			v, err := FitDiagonalVariance(m, loader, nn.CrossEntropy{Reduction: nn.ReductionMean}, cfg)
			if err != nil {
				t.Fatalf("FitDiagonalVariance: %v", err)
			}
			if len(v) != m.NumParams() {
				t.Fatalf("expected %d entries, got %d", m.NumParams(), len(v))
			}
			for i, x := range v {
				if x != tt.minVar {
					t.Fatalf("v[%d] = %v, want exactly %v", i, x, tt.minVar)
				}
			}
		})
	}
}

func TestDivergedParametersAbort(t *testing.T) {
	m, loader := setup(t)
	cfg := DefaultConfig()
	cfg.NSnapshotsTotal = 2
	cfg.LR = 1e300

	v, err := FitDiagonalVariance(m, loader, nn.CrossEntropy{Reduction: nn.ReductionMean}, cfg)
	if err == nil || !strings.Contains(err.Error(), "diverged") {
		t.Fatalf("expected divergence error, got %v", err)
	}
	if v != nil {
		t.Error("expected no variance after divergence")
	}
}

func TestVarianceIsFiniteAndFloored(t *testing.T) {
	m, loader := setup(t)
	cfg := DefaultConfig()
	cfg.NSnapshotsTotal = 6
	cfg.SnapshotFreq = 2
	cfg.LR = 0.05

	before := m.ParamVector()
	epochs := testutil.ToFloat64(metrics.SwagEpochsTotal)
	snapshots := testutil.ToFloat64(metrics.SwagSnapshotsTotal)

	v, err := FitDiagonalVariance(m, loader, nn.CrossEntropy{Reduction: nn.ReductionMean}, cfg)
	if err != nil {
		t.Fatalf("FitDiagonalVariance: %v", err)
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) || x < cfg.MinVar {
			t.Errorf("v[%d] = %v, want finite and >= %v", i, x, cfg.MinVar)
		}
	}
	if floats.Max(v) <= cfg.MinVar {
		t.Error("expected SGD iterates to spread at least one parameter")
	}
	if !floats.Equal(before, m.ParamVector()) {
		t.Error("caller's model was modified")
	}
	if got := testutil.ToFloat64(metrics.SwagEpochsTotal) - epochs; got != 12 {
		t.Errorf("expected 12 epochs, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.SwagSnapshotsTotal) - snapshots; got != 6 {
		t.Errorf("expected 6 snapshots, got %v", got)
	}
}

func TestRegressionCriterion(t *testing.T) {
	ds, _ := data.GaussianBlobs(12, 2, 2, 0.3, 1)
	targets := ds.All().X
	reg, err := data.NewDataset(ds.X, nil, targets)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	loader, _ := data.NewLoader(reg, 4, false, 0)
	m, _ := nn.NewSequential(nn.NewLinear("fc", 2, 2, true, rand.NewPCG(1, 1)))

	cfg := DefaultConfig()
	cfg.NSnapshotsTotal = 3
	v, err := FitDiagonalVariance(m, loader, nn.MSE{Reduction: nn.ReductionMean}, cfg)
	if err != nil {
		t.Fatalf("FitDiagonalVariance: %v", err)
	}
	if len(v) != 6 {
		t.Errorf("expected 6 entries, got %d", len(v))
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	m, loader := setup(t)
	cfg := DefaultConfig()
	cfg.SnapshotFreq = 0
	if _, err := FitDiagonalVariance(m, loader, nn.CrossEntropy{}, cfg); err == nil {
		t.Error("expected validation error")
	}
}

func TestMoments(t *testing.T) {
	mom := newMoments(2)
	mom.add([]float64{1, 2})
	mom.add([]float64{3, 2})
	v, clamped := mom.variance(0)
	if v[0] != 1 {
		t.Errorf("expected variance 1, got %v", v[0])
	}
	if v[1] != 0 || clamped != 0 {
		t.Errorf("expected exact zero without clamping, got %v (clamped %d)", v[1], clamped)
	}
}
