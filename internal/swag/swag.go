// Package swag estimates a diagonal posterior variance over model parameters
// from the trajectory of constant-rate SGD (stochastic weight averaging).
package swag

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-curvature/internal/logger"
	"github.com/23skdu/longbow-curvature/internal/metrics"
	"github.com/23skdu/longbow-curvature/internal/nn"
	"github.com/23skdu/longbow-curvature/internal/numerics"
	"gonum.org/v1/gonum/floats"
)

// Config holds the SWAG schedule and optimizer settings.
type Config struct {
	NSnapshotsTotal int
	SnapshotFreq    int
	LR              float64
	Momentum        float64
	WeightDecay     float64
	MinVar          float64
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		NSnapshotsTotal: 40,
		SnapshotFreq:    1,
		LR:              0.01,
		Momentum:        0.9,
		WeightDecay:     3e-4,
		MinVar:          1e-30,
	}
}

func (c Config) Validate() error {
	if c.NSnapshotsTotal <= 0 {
		return fmt.Errorf("invalid n_snapshots_total: %d (must be positive)", c.NSnapshotsTotal)
	}
	if c.SnapshotFreq <= 0 {
		return fmt.Errorf("invalid snapshot_freq: %d (must be positive)", c.SnapshotFreq)
	}
	if c.MinVar < 0 {
		return fmt.Errorf("invalid min_var: %g (must be non-negative)", c.MinVar)
	}
	return c.sgd().Validate()
}

// Epochs is the number of training epochs the schedule runs.
func (c Config) Epochs() int { return c.SnapshotFreq * c.NSnapshotsTotal }

func (c Config) sgd() nn.SGDConfig {
	return nn.SGDConfig{LearningRate: c.LR, Momentum: c.Momentum, WeightDecay: c.WeightDecay}
}

// Loader yields mini-batches for one epoch at a time.
type Loader interface {
	Reset()
	Next() (nn.Batch, bool)
}

// moments keeps running first and second moments of the parameter vector.
type moments struct {
	mean   []float64
	sqMean []float64
	n      int
}

func newMoments(p int) *moments {
	return &moments{mean: make([]float64, p), sqMean: make([]float64, p)}
}

// add folds theta in with weights n/(n+1) and 1/(n+1).
func (m *moments) add(theta []float64) {
	old := float64(m.n) / float64(m.n+1)
	w := 1 / float64(m.n+1)
	for i, v := range theta {
		m.mean[i] = m.mean[i]*old + v*w
		m.sqMean[i] = m.sqMean[i]*old + v*v*w
	}
	m.n++
}

// variance returns sqMean - mean^2 clamped below at minVar, and how many
// entries were clamped.
func (m *moments) variance(minVar float64) ([]float64, int) {
	v := make([]float64, len(m.mean))
	copy(v, m.sqMean)
	sq := make([]float64, len(m.mean))
	floats.MulTo(sq, m.mean, m.mean)
	floats.Sub(v, sq)
	clamped := numerics.ClampMin(v, minVar)
	return v, clamped
}

// FitDiagonalVariance trains a copy of model with SGD for cfg.Epochs()
// epochs, snapshotting the flattened parameters after every epoch whose index
// is a multiple of cfg.SnapshotFreq, epoch 0 included. It returns the
// per-parameter variance of the snapshots in canonical parameter order,
// floored at cfg.MinVar. The caller's model is left untouched.
func FitDiagonalVariance(model *nn.Model, loader Loader, criterion nn.Criterion, cfg Config) ([]float64, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("swag: %w", err)
	}
	log := logger.Log.With("swag")
	start := time.Now()

	work := model.Clone()
	opt, err := nn.NewSGD(cfg.sgd())
	if err != nil {
		return nil, fmt.Errorf("swag: %w", err)
	}
	mom := newMoments(work.NumParams())

	for epoch := 0; epoch < cfg.Epochs(); epoch++ {
		loader.Reset()
		loss, err := nn.TrainEpoch(work, opt, criterion, loader.Next)
		if err != nil {
			return nil, fmt.Errorf("swag epoch %d: %w", epoch, err)
		}
		theta := work.ParamVector()
		if !numerics.IsFinite(theta) {
			return nil, fmt.Errorf("swag epoch %d: parameters diverged", epoch)
		}
		snapshot := epoch%cfg.SnapshotFreq == 0
		if snapshot {
			mom.add(theta)
		}
		metrics.RecordSwagEpoch(snapshot)
		log.Debug("swag epoch", "epoch", epoch, "loss", loss, "snapshots", mom.n)
	}

	variance, clamped := mom.variance(cfg.MinVar)
	metrics.RecordSwagFit(clamped, time.Since(start))
	log.Info("swag variance fitted",
		"epochs", cfg.Epochs(),
		"snapshots", mom.n,
		"params", len(variance),
		"clamped", clamped,
		"duration", time.Since(start).String())
	return variance, nil
}
