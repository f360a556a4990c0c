package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Step records one scored trial: its satisfaction and the best satisfaction
// reached so far in the run
type Step struct {
	Evaluation   int
	Satisfaction float64
	Best         float64
}

// ConvergenceStrategy decides from the step history whether a search has converged
type ConvergenceStrategy interface {
	// CheckConvergence reports convergence and a reason
	CheckConvergence(history []Step) (bool, string)
	Name() string
}

// ConvergenceConfig holds configuration for convergence detection
type ConvergenceConfig struct {
	// NoImprovementEvaluations is the number of evaluations without a new best before stopping
	NoImprovementEvaluations int
	// ImprovementThreshold is the minimum relative improvement to consider significant
	ImprovementThreshold float64
	// SatisfactionTolerance is the absolute tolerance for satisfactions to be considered equal
	SatisfactionTolerance float64
	// MinEvaluations is the minimum number of evaluations before convergence can be detected
	MinEvaluations int
	// PlateauEvaluations is the window over which the best satisfaction must stay flat
	PlateauEvaluations int
}

// DefaultConvergenceConfig returns a default convergence configuration
func DefaultConvergenceConfig() *ConvergenceConfig {
	return &ConvergenceConfig{
		NoImprovementEvaluations: 200,
		ImprovementThreshold:     0.001,
		SatisfactionTolerance:    1e-6,
		MinEvaluations:           20,
		PlateauEvaluations:       100,
	}
}

// NoImprovementStrategy converges when no new best appeared for N evaluations
type NoImprovementStrategy struct {
	config *ConvergenceConfig
}

func NewNoImprovementStrategy(config *ConvergenceConfig) *NoImprovementStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &NoImprovementStrategy{config: config}
}

func (s *NoImprovementStrategy) Name() string {
	return "no_improvement"
}

func (s *NoImprovementStrategy) CheckConvergence(history []Step) (bool, string) {
	if len(history) < s.config.MinEvaluations || len(history) == 0 {
		return false, ""
	}

	best, bestIndex := math.Inf(-1), -1
	for i, step := range history {
		if step.Satisfaction > best {
			best = step.Satisfaction
			bestIndex = i
		}
	}
	if bestIndex < 0 {
		return false, ""
	}

	since := len(history) - 1 - bestIndex
	if since >= s.config.NoImprovementEvaluations {
		return true, fmt.Sprintf("no improvement for %d evaluations (best at evaluation %d)", since, history[bestIndex].Evaluation)
	}
	return false, ""
}

// PlateauStrategy converges when the best satisfaction stayed within tolerance over a window
type PlateauStrategy struct {
	config *ConvergenceConfig
}

func NewPlateauStrategy(config *ConvergenceConfig) *PlateauStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &PlateauStrategy{config: config}
}

func (s *PlateauStrategy) Name() string {
	return "plateau"
}

func (s *PlateauStrategy) CheckConvergence(history []Step) (bool, string) {
	window := s.config.PlateauEvaluations
	if len(history) < s.config.MinEvaluations || window < 1 || len(history) < window {
		return false, ""
	}

	recent := history[len(history)-window:]
	spread := recent[len(recent)-1].Best - recent[0].Best
	if spread <= s.config.SatisfactionTolerance {
		return true, fmt.Sprintf("best satisfaction flat for %d evaluations (range: %.6f)", window, spread)
	}
	return false, ""
}

// ThresholdStrategy converges when every recent improvement of the best is
// below the relative threshold
type ThresholdStrategy struct {
	config *ConvergenceConfig
}

func NewThresholdStrategy(config *ConvergenceConfig) *ThresholdStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &ThresholdStrategy{config: config}
}

func (s *ThresholdStrategy) Name() string {
	return "improvement_threshold"
}

func (s *ThresholdStrategy) CheckConvergence(history []Step) (bool, string) {
	window := s.config.NoImprovementEvaluations
	if len(history) < s.config.MinEvaluations+1 || window < 2 || len(history) < window {
		return false, ""
	}

	recent := history[len(history)-window:]
	largest := 0.0
	for i := 1; i < len(recent); i++ {
		prev := recent[i-1].Best
		if prev <= 0 {
			return false, ""
		}
		largest = math.Max(largest, (recent[i].Best-prev)/prev)
	}
	if largest <= s.config.ImprovementThreshold {
		return true, fmt.Sprintf("improvements below threshold (max: %.4f%%, threshold: %.4f%%)", largest*100, s.config.ImprovementThreshold*100)
	}
	return false, ""
}

// VarianceStrategy converges when recent trial satisfactions barely vary
type VarianceStrategy struct {
	config *ConvergenceConfig
}

func NewVarianceStrategy(config *ConvergenceConfig) *VarianceStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &VarianceStrategy{config: config}
}

func (s *VarianceStrategy) Name() string {
	return "variance"
}

func (s *VarianceStrategy) CheckConvergence(history []Step) (bool, string) {
	if len(history) < s.config.MinEvaluations {
		return false, ""
	}

	window := min(s.config.PlateauEvaluations, len(history))
	if window < 2 {
		return false, ""
	}
	recent := make([]float64, window)
	for i, step := range history[len(history)-window:] {
		recent[i] = step.Satisfaction
	}

	mean, std := stat.MeanStdDev(recent, nil)
	if mean > 0 && std/mean < s.config.ImprovementThreshold {
		return true, fmt.Sprintf("low satisfaction variance (relative stddev: %.4f%%)", std/mean*100)
	}
	return false, ""
}

// CombinedStrategy converges as soon as any of its strategies does
type CombinedStrategy struct {
	strategies []ConvergenceStrategy
}

// NewCombinedStrategy combines the no-improvement, plateau and threshold strategies
func NewCombinedStrategy(config *ConvergenceConfig) *CombinedStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &CombinedStrategy{
		strategies: []ConvergenceStrategy{
			NewNoImprovementStrategy(config),
			NewPlateauStrategy(config),
			NewThresholdStrategy(config),
		},
	}
}

func (s *CombinedStrategy) Name() string {
	return "combined"
}

func (s *CombinedStrategy) CheckConvergence(history []Step) (bool, string) {
	for _, strategy := range s.strategies {
		if converged, reason := strategy.CheckConvergence(history); converged {
			return true, fmt.Sprintf("%s: %s", strategy.Name(), reason)
		}
	}
	return false, ""
}

// AddStrategy adds a custom strategy to the combined strategy
func (s *CombinedStrategy) AddStrategy(strategy ConvergenceStrategy) {
	s.strategies = append(s.strategies, strategy)
}

// ConvergenceByName maps a configured strategy name to a strategy; "" and
// "none" give nil
func ConvergenceByName(name string, config *ConvergenceConfig) (ConvergenceStrategy, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "no_improvement":
		return NewNoImprovementStrategy(config), nil
	case "plateau":
		return NewPlateauStrategy(config), nil
	case "improvement_threshold":
		return NewThresholdStrategy(config), nil
	case "variance":
		return NewVarianceStrategy(config), nil
	case "combined":
		return NewCombinedStrategy(config), nil
	}
	return nil, fmt.Errorf("unknown convergence strategy %q", name)
}
