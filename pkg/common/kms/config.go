package kms

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config carries the tunable parameters shared by the shipped schemes.
type Config struct {
	// Capacity bounds the id space to [0, Capacity).
	Capacity uint64 `yaml:"capacity"`

	// Fanouts give the per-level arity of tree-structured schemes, root
	// to leaf. Schemes without internal structure ignore it.
	Fanouts []uint64 `yaml:"fanouts"`
}

// ParseConfig parses and validates a YAML configuration document.
func ParseConfig(data []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WithMessage(err, "kms: failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Capacity == 0 {
		return errors.New("kms: config: capacity must be nonzero")
	}
	for _, f := range c.Fanouts {
		if f < 2 {
			return errors.New("kms: config: fanouts must be at least 2")
		}
	}
	return nil
}
