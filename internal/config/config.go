// Package config holds the run configuration of the caffenet command.
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the YAML run configuration. Command-line flags override it.
type Config struct {
	Model  ModelConfig  `yaml:"model"`
	Input  InputConfig  `yaml:"input"`
	Build  BuildConfig  `yaml:"build"`
	Bench  BenchConfig  `yaml:"bench"`
	Output OutputConfig `yaml:"output"`
}

// ModelConfig locates the network files.
type ModelConfig struct {
	// Definition is the .prototxt network definition.
	Definition string `yaml:"definition"`
	// Weights is the .caffemodel weights file.
	Weights string `yaml:"weights"`
}

// InputConfig selects the synthetic input fed to the network.
type InputConfig struct {
	// Fill sets every input value to the constant. When nil, values are drawn
	// uniformly from [0, 1) with Seed.
	Fill *float32 `yaml:"fill,omitempty"`
	Seed int64    `yaml:"seed"`
	// Batch overrides the batch size of the definition when positive.
	Batch int `yaml:"batch,omitempty"`
}

// BuildConfig configures graph construction.
type BuildConfig struct {
	// Strict fails on layers that cannot be compiled instead of skipping them.
	Strict bool `yaml:"strict"`
}

// BenchConfig configures the bench command.
type BenchConfig struct {
	Iterations int `yaml:"iterations"`
	Workers    int `yaml:"workers"`
}

// OutputConfig configures result printing.
type OutputConfig struct {
	// Top is the number of highest scoring classes run prints.
	Top int `yaml:"top"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Input:  InputConfig{Seed: 1},
		Bench:  BenchConfig{Iterations: 20, Workers: 1},
		Output: OutputConfig{Top: 5},
	}
}

// Load reads path on top of Default. Unknown keys are rejected.
//
//nolint:gosec // G304: Path is provided by the user, reading it is the point.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "config %q", path)
	}
	return cfg, nil
}

// Validate checks value ranges. Missing model paths are not an error here:
// commands report them when they need them.
func (c *Config) Validate() error {
	switch {
	case c.Bench.Iterations < 1:
		return errors.Errorf("bench.iterations must be positive, got %d", c.Bench.Iterations)
	case c.Bench.Workers < 1:
		return errors.Errorf("bench.workers must be positive, got %d", c.Bench.Workers)
	case c.Output.Top < 1:
		return errors.Errorf("output.top must be positive, got %d", c.Output.Top)
	case c.Input.Batch < 0:
		return errors.Errorf("input.batch must not be negative, got %d", c.Input.Batch)
	}
	return nil
}
