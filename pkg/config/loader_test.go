package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("../../config/tuner.yaml")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected log_level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.Stopper.MaxTime() != 20*time.Second {
		t.Errorf("Expected max time 20s, got %v", cfg.Stopper.MaxTime())
	}
	if cfg.Stopper.MinTime() != 2*time.Second {
		t.Errorf("Expected min time 2s, got %v", cfg.Stopper.MinTime())
	}
	if cfg.Solver.Method != MethodNelderMead {
		t.Errorf("Expected method %s, got %s", MethodNelderMead, cfg.Solver.Method)
	}
	if len(cfg.Objectives) != 3 {
		t.Fatalf("Expected 3 objective overrides, got %d", len(cfg.Objectives))
	}
	if cfg.Objectives[0].Tolerance == nil || *cfg.Objectives[0].Tolerance != 0.5 {
		t.Errorf("Expected first objective tolerance 0.5, got %v", cfg.Objectives[0].Tolerance)
	}
	if cfg.Objectives[2].Enabled == nil || *cfg.Objectives[2].Enabled {
		t.Errorf("Expected energy objective disabled")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfigYAMLString("log_level: debug\n")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log_level 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("Expected default http addr, got '%s'", cfg.Server.HTTPAddr)
	}
	if cfg.Stopper.TargetSatisfaction != 0.99 {
		t.Errorf("Expected default target satisfaction 0.99, got %v", cfg.Stopper.TargetSatisfaction)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "log_level: loud\n", "LogLevel"},
		{"bad method", "solver:\n  method: annealing\n", "Method"},
		{"target above one", "stopper:\n  max_seconds: 10\n  target_satisfaction: 1.5\n", "TargetSatisfaction"},
		{"min above max", "stopper:\n  min_seconds: 20\n  max_seconds: 10\n", "min_seconds"},
		{"history without path", "history:\n  enabled: true\n  path: \"\"\n", "Path"},
		{"duplicate objective", "objectives:\n  - name: a\n  - name: a\n", "duplicate objective"},
		{"non-positive tolerance", "objectives:\n  - name: a\n    tolerance: 0\n", "Tolerance"},
		{"bad callback", "notify:\n  callback_url: \"not a url\"\n", "CallbackURL"},
		{"malformed yaml", "log_level: [", "failed to parse config yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfigYAMLString(tt.yaml)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error to mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoadBeamline(t *testing.T) {
	b, err := LoadBeamline("../../config/beamlines/mebt.yaml")
	if err != nil {
		t.Fatalf("Failed to load beamline: %v", err)
	}

	if b.ID != "MEBT" {
		t.Errorf("Expected id 'MEBT', got '%s'", b.ID)
	}
	if len(b.Probe.Twiss) != 3 {
		t.Fatalf("Expected 3 twiss planes, got %d", len(b.Probe.Twiss))
	}
	if b.Probe.KineticEnergy != 2.5e6 {
		t.Errorf("Expected kinetic energy 2.5e6, got %v", b.Probe.KineticEnergy)
	}

	cav, ok := b.Node("MEBT_RF:Bnch01")
	if !ok {
		t.Fatal("Expected buncher node")
	}
	if cav.Type != NodeRFCavity || len(cav.Gaps) != 2 {
		t.Errorf("Unexpected buncher spec: %+v", cav)
	}

	q5, _ := b.Node("MEBT_Mag:QH05")
	q6, _ := b.Node("MEBT_Mag:QH06")
	if q5.Supply != q6.Supply {
		t.Errorf("Expected QH05 and QH06 to share a supply")
	}
	if !q5.IsMagnet() || cav.IsMagnet() {
		t.Errorf("IsMagnet misclassified nodes")
	}
	if q5.ConversionScale() != 1 {
		t.Errorf("Expected scale 1, got %v", q5.ConversionScale())
	}
}

const minimalBeamline = `
id: T
length: 2
probe:
  rest_energy_ev: 938.272e6
  charge: 1
  kinetic_energy_ev: 2.5e6
  twiss:
    - {alpha: 0, beta: 1, emittance: 1e-6}
    - {alpha: 0, beta: 1, emittance: 1e-6}
    - {alpha: 0, beta: 1, emittance: 1e-6}
nodes:
`

func TestParseBeamlineInvalid(t *testing.T) {
	tests := []struct {
		name  string
		nodes string
		want  string
	}{
		{"no nodes", "", "Nodes"},
		{"unknown type", "  - {id: a, type: septum, position: 0}\n", "Type"},
		{"duplicate id", "  - {id: a, type: quad, position: 0}\n  - {id: a, type: quad, position: 1}\n", "duplicate node id"},
		{"past end", "  - {id: a, type: quad, position: 1.9, length: 0.5}\n", "past the sequence end"},
		{"unordered limits", "  - {id: a, type: quad, position: 0, field_limits: [2, 1]}\n", "field_limits"},
		{"cavity without frequency", "  - {id: c, type: rfcavity, position: 0}\n", "frequency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBeamlineYAMLString(minimalBeamline + tt.nodes)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error to mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestParseBeamlineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.yaml")
	body := minimalBeamline + "  - {id: q, type: quad, position: 0.5, length: 0.1, field: 3}\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := LoadBeamline(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(b.Nodes) != 1 || b.Nodes[0].Field != 3 {
		t.Errorf("Unexpected nodes: %+v", b.Nodes)
	}
}
