package solver

import (
	"math"
	"testing"
)

// steps builds a history from trial satisfactions, tracking the running best
func steps(satisfactions ...float64) []Step {
	out := make([]Step, len(satisfactions))
	best := 0.0
	for i, s := range satisfactions {
		best = math.Max(best, s)
		out[i] = Step{Evaluation: i + 1, Satisfaction: s, Best: best}
	}
	return out
}

func TestNoImprovementStrategy(t *testing.T) {
	strategy := NewNoImprovementStrategy(&ConvergenceConfig{
		NoImprovementEvaluations: 3,
		MinEvaluations:           2,
	})

	converged, reason := strategy.CheckConvergence(steps(0.5, 0.5, 0.5, 0.5, 0.5))
	if !converged {
		t.Fatalf("expected convergence, got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}

	converged, _ = strategy.CheckConvergence(steps(0.5, 0.6, 0.6, 0.6))
	if converged {
		t.Fatalf("expected no convergence (recent improvement), got true")
	}

	converged, _ = strategy.CheckConvergence(steps(0.5))
	if converged {
		t.Fatalf("expected no convergence below the minimum evaluations")
	}
}

func TestPlateauStrategy(t *testing.T) {
	strategy := NewPlateauStrategy(&ConvergenceConfig{
		PlateauEvaluations:    3,
		SatisfactionTolerance: 0.01,
		MinEvaluations:        2,
	})

	converged, reason := strategy.CheckConvergence(steps(0.5, 0.6, 0.605, 0.607))
	if !converged {
		t.Fatalf("expected convergence (plateau), got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}

	converged, _ = strategy.CheckConvergence(steps(0.5, 0.6, 0.7, 0.8))
	if converged {
		t.Fatalf("expected no convergence (rising best), got true")
	}
}

func TestThresholdStrategy(t *testing.T) {
	strategy := NewThresholdStrategy(&ConvergenceConfig{
		NoImprovementEvaluations: 3,
		ImprovementThreshold:     0.01,
		MinEvaluations:           2,
	})

	converged, reason := strategy.CheckConvergence(steps(0.5, 0.501, 0.502, 0.5025))
	if !converged {
		t.Fatalf("expected convergence (improvements below threshold), got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}

	converged, _ = strategy.CheckConvergence(steps(0.5, 0.6, 0.65))
	if converged {
		t.Fatalf("expected no convergence (significant improvement), got true")
	}
}

func TestVarianceStrategy(t *testing.T) {
	strategy := NewVarianceStrategy(&ConvergenceConfig{
		PlateauEvaluations:   3,
		ImprovementThreshold: 0.01,
		MinEvaluations:       2,
	})

	converged, reason := strategy.CheckConvergence(steps(0.5, 0.5, 0.501, 0.5005))
	if !converged {
		t.Fatalf("expected convergence (low variance), got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}

	converged, _ = strategy.CheckConvergence(steps(0.5, 0.9, 0.6, 0.8))
	if converged {
		t.Fatalf("expected no convergence (high variance), got true")
	}
}

func TestCombinedStrategy(t *testing.T) {
	strategy := NewCombinedStrategy(&ConvergenceConfig{
		NoImprovementEvaluations: 10,
		PlateauEvaluations:       3,
		SatisfactionTolerance:    0.01,
		MinEvaluations:           2,
	})

	converged, reason := strategy.CheckConvergence(steps(0.5, 0.6, 0.605, 0.607))
	if !converged {
		t.Fatalf("expected convergence, got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}
}

func TestConvergenceStrategiesName(t *testing.T) {
	config := DefaultConvergenceConfig()

	for name, strategy := range map[string]ConvergenceStrategy{
		"no_improvement":        NewNoImprovementStrategy(config),
		"plateau":               NewPlateauStrategy(config),
		"improvement_threshold": NewThresholdStrategy(config),
		"variance":              NewVarianceStrategy(config),
		"combined":              NewCombinedStrategy(config),
	} {
		if strategy.Name() != name {
			t.Fatalf("expected name %q, got %q", name, strategy.Name())
		}
		byName, err := ConvergenceByName(name, config)
		if err != nil {
			t.Fatalf("ConvergenceByName(%q): %v", name, err)
		}
		if byName.Name() != name {
			t.Fatalf("ConvergenceByName(%q) returned %q", name, byName.Name())
		}
	}

	if s, err := ConvergenceByName("none", config); err != nil || s != nil {
		t.Fatalf("expected no strategy for none, got %v, %v", s, err)
	}
	if _, err := ConvergenceByName("bogus", config); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestDefaultConvergenceConfig(t *testing.T) {
	config := DefaultConvergenceConfig()

	if config.NoImprovementEvaluations <= 0 {
		t.Fatalf("expected positive NoImprovementEvaluations")
	}
	if config.ImprovementThreshold <= 0 {
		t.Fatalf("expected positive ImprovementThreshold")
	}
	if config.SatisfactionTolerance <= 0 {
		t.Fatalf("expected positive SatisfactionTolerance")
	}
	if config.MinEvaluations <= 0 {
		t.Fatalf("expected positive MinEvaluations")
	}
}
