package solver

import (
	"context"

	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
	"gonum.org/v1/gonum/stat/distuv"
)

// Hill climbing defaults, in unit coordinates
const (
	DefaultStepSize = 0.05
	minStepSize     = 1e-4
)

// HillClimb moves to the best of the 2·dim axis neighbours while one improves
// and halves the step when none does. Restarts jitter the start by one step.
type HillClimb struct {
	StepSize float64
}

func (HillClimb) Name() string { return "hill_climb" }

func (m HillClimb) Search(ctx context.Context, s *Search) error {
	step := m.StepSize
	if step <= 0 {
		step = DefaultStepSize
	}

	current := s.Start()
	if s.Pass() > 0 {
		jitter := distuv.Uniform{Min: -step, Max: step, Src: s.Rand()}
		for i := range current {
			current[i] = utils.ClampFloat64(current[i]+jitter.Rand(), 0, 1)
		}
	}
	currentSat, scored := s.StartSatisfaction()
	if !scored || s.Pass() > 0 {
		sat, err := s.Evaluate(ctx, current)
		if err != nil {
			return err
		}
		currentSat = sat
	}

	for step >= minStepSize {
		bestNeighbor, bestSat := []float64(nil), currentSat
		for _, neighbor := range neighbors(current, step) {
			sat, err := s.Evaluate(ctx, neighbor)
			if err != nil {
				return err
			}
			if sat > bestSat {
				bestNeighbor, bestSat = neighbor, sat
			}
		}
		if bestNeighbor == nil {
			step /= 2
			continue
		}
		current, currentSat = bestNeighbor, bestSat
	}
	return nil
}

// neighbors steps each coordinate up and down, skipping moves that the
// limits clamp back onto the current point
func neighbors(point []float64, step float64) [][]float64 {
	out := make([][]float64, 0, 2*len(point))
	for i := range point {
		for _, delta := range []float64{step, -step} {
			next := utils.ClampFloat64(point[i]+delta, 0, 1)
			if next == point[i] {
				continue
			}
			n := append([]float64(nil), point...)
			n[i] = next
			out = append(out, n)
		}
	}
	return out
}
