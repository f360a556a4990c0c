package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseConfigYAML parses a Config from YAML bytes on top of DefaultConfig and validates it.
func ParseConfigYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ParseConfigYAMLString parses a Config from a YAML string and validates it.
func ParseConfigYAMLString(yamlText string) (*Config, error) {
	return ParseConfigYAML([]byte(yamlText))
}

// ParseBeamlineYAML parses a Beamline lattice from YAML bytes and validates it.
// The lattice may be provided as an API payload, not only via the filesystem.
func ParseBeamlineYAML(data []byte) (*Beamline, error) {
	var beamline Beamline
	if err := yaml.Unmarshal(data, &beamline); err != nil {
		return nil, fmt.Errorf("failed to parse beamline yaml: %w", err)
	}

	if err := validateBeamline(&beamline); err != nil {
		return nil, fmt.Errorf("invalid beamline: %w", err)
	}

	return &beamline, nil
}

// ParseBeamlineYAMLString parses a Beamline from a YAML string and validates it.
func ParseBeamlineYAMLString(yamlText string) (*Beamline, error) {
	return ParseBeamlineYAML([]byte(yamlText))
}
