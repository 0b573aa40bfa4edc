package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
}

// Validate rejects hyperparameters SGD cannot run with.
func (c SGDConfig) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive: %g", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum > 1 {
		return fmt.Errorf("momentum must be in [0, 1]: %g", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay cannot be negative: %g", c.WeightDecay)
	}
	return nil
}

// SGD is stochastic gradient descent with heavy-ball momentum and L2 weight
// decay folded into the gradient. The first momentum step seeds the buffer
// with the raw gradient.
type SGD struct {
	cfg        SGDConfig
	velocities map[string][]float64
	steps      int
}

func NewSGD(cfg SGDConfig) (*SGD, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SGD{cfg: cfg, velocities: make(map[string][]float64)}, nil
}

// Steps returns how many updates have been applied.
func (opt *SGD) Steps() int { return opt.steps }

// Step applies batch gradients (as returned by Tape.Gradients) to the model.
func (opt *SGD) Step(m *Model, grads []ParamGrad) error {
	if len(grads) != len(m.Layers) {
		return fmt.Errorf("got gradients for %d layers, model has %d", len(grads), len(m.Layers))
	}
	for i, l := range m.Layers {
		if err := opt.update(fmt.Sprintf("weight_%d", i), l.Weight, grads[i].Weight); err != nil {
			return fmt.Errorf("layer %q: %w", l.Name, err)
		}
		if err := opt.update(fmt.Sprintf("bias_%d", i), l.Bias, grads[i].Bias); err != nil {
			return fmt.Errorf("layer %q: %w", l.Name, err)
		}
	}
	opt.steps++
	return nil
}

func (opt *SGD) update(key string, param, grad []float64) error {
	if len(param) == 0 {
		return nil
	}
	if len(grad) != len(param) {
		return fmt.Errorf("%s: gradient has %d values, parameter has %d", key, len(grad), len(param))
	}
	d := make([]float64, len(grad))
	copy(d, grad)
	if opt.cfg.WeightDecay != 0 {
		floats.AddScaled(d, opt.cfg.WeightDecay, param)
	}
	if opt.cfg.Momentum != 0 {
		v, ok := opt.velocities[key]
		if !ok {
			v = make([]float64, len(d))
			copy(v, d)
			opt.velocities[key] = v
		} else {
			floats.Scale(opt.cfg.Momentum, v)
			floats.Add(v, d)
		}
		d = v
	}
	floats.AddScaled(param, -opt.cfg.LearningRate, d)
	return nil
}

// Reset clears momentum buffers.
func (opt *SGD) Reset() {
	opt.velocities = make(map[string][]float64)
	opt.steps = 0
}

// TrainEpoch runs one pass of SGD over the batches produced by next, which
// returns false once the epoch is exhausted. It returns the mean batch loss.
func TrainEpoch(m *Model, opt *SGD, crit Criterion, next func() (Batch, bool)) (float64, error) {
	total, count := 0.0, 0
	for {
		b, ok := next()
		if !ok {
			break
		}
		tape, err := m.Forward(b.X)
		if err != nil {
			return 0, err
		}
		loss, gradOut, err := crit.Loss(tape.Output(), b)
		if err != nil {
			return 0, err
		}
		grads, err := tape.Gradients(gradOut)
		if err != nil {
			return 0, err
		}
		if err := opt.Step(m, grads); err != nil {
			return 0, err
		}
		total += loss
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("epoch produced no batches")
	}
	return total / float64(count), nil
}
