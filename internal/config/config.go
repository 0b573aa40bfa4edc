package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-curvature/internal/swag"
)

type Backend string

const (
	BackendGGN Backend = "ggn"
	BackendEF  Backend = "ef"
)

type Config struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string

	Backend    Backend
	Stochastic bool
	LastLayer  bool
	Factor     float64
	MCSamples  int
	Seed       uint64

	DatasetSize int
	Classes     int
	InputDim    int
	Spread      float64
	BatchSize   int
	HiddenWidth int
	TrainEpochs int
	TrainLR     float64

	Swag swag.Config

	ExportPath string
	FlightAddr string
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log_format: %q (must be json or console)", c.LogFormat)
	}
	if c.Backend != BackendGGN && c.Backend != BackendEF {
		return fmt.Errorf("invalid backend: %q (must be ggn or ef)", c.Backend)
	}
	if c.Factor <= 0 {
		return fmt.Errorf("invalid factor: %g (must be positive)", c.Factor)
	}
	if c.MCSamples <= 0 {
		return fmt.Errorf("invalid mc_samples: %d (must be positive)", c.MCSamples)
	}
	if c.DatasetSize <= 0 {
		return fmt.Errorf("invalid dataset_size: %d (must be positive)", c.DatasetSize)
	}
	if c.Classes < 2 {
		return fmt.Errorf("invalid classes: %d (must be at least 2)", c.Classes)
	}
	if c.InputDim <= 0 {
		return fmt.Errorf("invalid input_dim: %d (must be positive)", c.InputDim)
	}
	if c.Spread <= 0 {
		return fmt.Errorf("invalid spread: %g (must be positive)", c.Spread)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.BatchSize > c.DatasetSize {
		return fmt.Errorf("batch_size (%d) > dataset_size (%d)", c.BatchSize, c.DatasetSize)
	}
	if c.HiddenWidth <= 0 {
		return fmt.Errorf("invalid hidden_width: %d (must be positive)", c.HiddenWidth)
	}
	if c.TrainEpochs < 0 {
		return fmt.Errorf("invalid train_epochs: %d (must be non-negative)", c.TrainEpochs)
	}
	if c.TrainLR <= 0 {
		return fmt.Errorf("invalid train_lr: %g (must be positive)", c.TrainLR)
	}
	if err := c.Swag.Validate(); err != nil {
		return fmt.Errorf("invalid swag block: %w", err)
	}
	return nil
}

func (c *Config) ExportEnabled() bool {
	return c.ExportPath != "" || c.FlightAddr != ""
}

func Default() Config {
	return Config{
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",

		Backend:   BackendGGN,
		Factor:    1,
		MCSamples: 1,
		Seed:      42,

		DatasetSize: 512,
		Classes:     3,
		InputDim:    4,
		Spread:      0.8,
		BatchSize:   32,
		HiddenWidth: 16,
		TrainEpochs: 20,
		TrainLR:     0.05,

		Swag: swag.DefaultConfig(),
	}
}
