package solver

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// DefaultSimplexSize is the initial simplex edge in unit coordinates
const DefaultSimplexSize = 0.1

// statusStopped terminates a gonum minimization once the search is done
var statusStopped = optimize.NewStatus("SearchStopped", true, nil)

// NelderMead runs gonum's downhill simplex on 1 - satisfaction. The initial
// simplex steps SimplexSize from the start along each axis, inward at the
// upper limit.
type NelderMead struct {
	SimplexSize float64
}

func (NelderMead) Name() string { return "nelder_mead" }

func (m NelderMead) Search(ctx context.Context, s *Search) error {
	size := m.SimplexSize
	if size <= 0 {
		size = DefaultSimplexSize
	}

	start := s.Start()
	dim := len(start)
	vertices := make([][]float64, 0, dim+1)
	values := make([]float64, 0, dim+1)

	sat, scored := s.StartSatisfaction()
	if !scored {
		var err error
		if sat, err = s.Evaluate(ctx, start); err != nil {
			return err
		}
	}
	vertices = append(vertices, start)
	values = append(values, 1-sat)

	for i := range dim {
		vertex := append([]float64(nil), start...)
		if vertex[i]+size <= 1 {
			vertex[i] += size
		} else {
			vertex[i] -= size
		}
		sat, err := s.Evaluate(ctx, vertex)
		if err != nil {
			return err
		}
		vertices = append(vertices, vertex)
		values = append(values, 1-sat)
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			sat, err := s.Evaluate(ctx, x)
			if err != nil {
				return math.Inf(1)
			}
			return 1 - sat
		},
		Status: func() (optimize.Status, error) {
			if err := s.Err(); err != nil {
				return optimize.Failure, err
			}
			if s.Done(ctx) {
				return statusStopped, nil
			}
			return optimize.NotTerminated, nil
		},
	}
	if s.Done(ctx) {
		return s.Err()
	}

	settings := &optimize.Settings{
		InitValues: &optimize.Location{F: values[0]},
		Converger:  &optimize.FunctionConverge{Absolute: 1e-9, Iterations: 50},
	}
	method := &optimize.NelderMead{
		InitialVertices: vertices,
		InitialValues:   values,
		SimplexSize:     size,
	}
	if _, err := optimize.Minimize(problem, start, settings, method); err != nil {
		if evalErr := s.Err(); evalErr != nil {
			return evalErr
		}
		return fmt.Errorf("nelder-mead: %w", err)
	}
	return s.Err()
}
