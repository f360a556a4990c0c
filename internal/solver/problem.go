// Package solver searches a bounded variable space for the point that best
// satisfies a set of objectives, reporting progress through a score board.
package solver

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/objective"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

var (
	// ErrNoEvaluator is returned when a problem has no evaluator
	ErrNoEvaluator = errors.New("problem has no evaluator")
	// ErrNoObjectives is returned when a problem has nothing to score
	ErrNoObjectives = errors.New("problem has no enabled objectives")
)

// Variable is one bounded search dimension
type Variable interface {
	Name() string
	InitialValue() float64
	LowerLimit() float64
	UpperLimit() float64
}

// Evaluator scores a trial. An error aborts the search.
type Evaluator interface {
	Evaluate(ctx context.Context, trial *Trial) error
}

// EvaluatorFunc adapts a function to Evaluator
type EvaluatorFunc func(ctx context.Context, trial *Trial) error

func (f EvaluatorFunc) Evaluate(ctx context.Context, trial *Trial) error {
	return f(ctx, trial)
}

// Problem is what a search runs against. Hint, when set, overrides the
// starting value of the named variables.
type Problem struct {
	Variables  []Variable
	Objectives []*objective.Objective
	Evaluator  Evaluator
	Hint       map[string]float64
}

// Validate checks the problem can be searched
func (p *Problem) Validate() error {
	if p.Evaluator == nil {
		return ErrNoEvaluator
	}
	if len(p.Objectives) == 0 {
		return ErrNoObjectives
	}
	return nil
}

// InitialPoint is each variable's initial value, or its hint, clamped to its limits
func (p *Problem) InitialPoint() map[string]float64 {
	point := make(map[string]float64, len(p.Variables))
	for _, v := range p.Variables {
		value := v.InitialValue()
		if h, ok := p.Hint[v.Name()]; ok {
			value = h
		}
		lower, upper := bounds(v)
		point[v.Name()] = utils.ClampFloat64(value, lower, upper)
	}
	return point
}

// NewTrial returns an unnumbered trial at point
func (p *Problem) NewTrial(point map[string]float64) *Trial {
	return newTrial(0, point)
}

// EvaluateInitialPoint scores the initial point without searching
func (p *Problem) EvaluateInitialPoint(ctx context.Context) (*Trial, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	trial := p.NewTrial(p.InitialPoint())
	if err := p.Evaluator.Evaluate(ctx, trial); err != nil {
		return nil, fmt.Errorf("evaluate initial point: %w", err)
	}
	return trial, nil
}

func bounds(v Variable) (float64, float64) {
	lo, hi := v.LowerLimit(), v.UpperLimit()
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// toUnit maps a variable value into [0, 1] of its range; fixed ranges map to 0
func toUnit(v Variable, value float64) float64 {
	lo, hi := bounds(v)
	if hi == lo {
		return 0
	}
	return utils.ClampFloat64((value-lo)/(hi-lo), 0, 1)
}

// fromUnit maps a unit coordinate back onto the variable's range, clamping
// coordinates outside [0, 1]
func fromUnit(v Variable, u float64) float64 {
	lo, hi := bounds(v)
	return lo + utils.ClampFloat64(u, 0, 1)*(hi-lo)
}
