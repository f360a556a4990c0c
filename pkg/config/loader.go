package config

import (
	"fmt"
	"os"
)

// LoadConfig loads and parses a configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadBeamline loads and parses a beamline lattice file
func LoadBeamline(path string) (*Beamline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read beamline file %s: %w", path, err)
	}
	beamline, err := ParseBeamlineYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse beamline file %s: %w", path, err)
	}
	return beamline, nil
}

// validateConfig runs the struct-tag rules, then the cross-field checks
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Stopper.MinSeconds > cfg.Stopper.MaxSeconds {
		return fmt.Errorf("stopper: min_seconds (%v) exceeds max_seconds (%v)", cfg.Stopper.MinSeconds, cfg.Stopper.MaxSeconds)
	}

	names := make(map[string]bool)
	for _, obj := range cfg.Objectives {
		if names[obj.Name] {
			return fmt.Errorf("duplicate objective override: %s", obj.Name)
		}
		names[obj.Name] = true
	}

	return nil
}

// validateBeamline runs the struct-tag rules, then checks node ids and placement
func validateBeamline(b *Beamline) error {
	if err := validate.Struct(b); err != nil {
		return err
	}

	ids := make(map[string]bool)
	for _, node := range b.Nodes {
		if ids[node.ID] {
			return fmt.Errorf("duplicate node id: %s", node.ID)
		}
		ids[node.ID] = true

		if b.Length > 0 && node.Position+node.Length > b.Length {
			return fmt.Errorf("node %s extends past the sequence end (%v > %v)", node.ID, node.Position+node.Length, b.Length)
		}
		if len(node.FieldLimits) == 2 && node.FieldLimits[0] > node.FieldLimits[1] {
			return fmt.Errorf("node %s: field_limits must be ordered [lower, upper]", node.ID)
		}
		if node.Type == NodeRFCavity && node.Frequency == 0 {
			return fmt.Errorf("node %s: rf cavity requires a frequency", node.ID)
		}
	}

	return nil
}
