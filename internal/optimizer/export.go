package optimizer

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/objective"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/session"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/solver"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	sessionLabel  = "session"
	solutionLabel = "solution"
	variableLabel = "variableValue"
)

// CanExportObjectiveResults reports whether a scored solution exists
func (o *Optimizer) CanExportObjectiveResults() bool {
	best := o.BestSolution()
	return best != nil && best.Simulation() != nil
}

// scoredObjectives returns the enabled objectives the trial has a score for
func (o *Optimizer) scoredObjectives(trial *solver.Trial) []*objective.Objective {
	var out []*objective.Objective
	for _, obj := range o.session.EnabledObjectives() {
		if _, ok := trial.Score(obj.Name()); ok {
			out = append(out, obj)
		}
	}
	return out
}

func inputEnergy(sim *simulation.Simulation) float64 {
	if initial := sim.Trajectory().InitialState(); initial != nil {
		return initial.KineticEnergy * simulation.MeVPerEV
	}
	return math.NaN()
}

// ExportObjectiveResults writes the input energy and a table of each enabled
// objective's display value and percent satisfaction for the best solution
func (o *Optimizer) ExportObjectiveResults(w io.Writer) error {
	best := o.BestSolution()
	if best == nil || best.Simulation() == nil {
		return ErrNoSolution
	}
	if _, err := fmt.Fprintf(w, "\nInput Energy (MeV):  %g\n", inputEnergy(best.Simulation())); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n##########\n# Objective Results\n# Objective\tValue\t% Satisfaction\n"); err != nil {
		return err
	}
	for _, obj := range o.scoredObjectives(best) {
		score, _ := best.Score(obj.Name())
		if _, err := fmt.Fprintf(w, "%s\t%g\t%g\n", obj.Label(), obj.DisplayValue(score.Value), 100*score.Satisfaction); err != nil {
			return err
		}
	}
	return nil
}

// ObjectiveReport is the best solution as a protobuf struct: input energy,
// overall satisfaction, variable values and one entry per scored objective
func (o *Optimizer) ObjectiveReport() (*structpb.Struct, error) {
	best := o.BestSolution()
	if best == nil || best.Simulation() == nil {
		return nil, ErrNoSolution
	}
	objectives := make([]any, 0)
	for _, obj := range o.scoredObjectives(best) {
		score, _ := best.Score(obj.Name())
		objectives = append(objectives, map[string]any{
			"name":         obj.Name(),
			"label":        obj.Label(),
			"value":        score.Value,
			"displayValue": obj.DisplayValue(score.Value),
			"satisfaction": score.Satisfaction,
		})
	}
	variables := make(map[string]any)
	for name, value := range best.Point() {
		variables[name] = value
	}
	return structpb.NewStruct(map[string]any{
		"inputEnergy":  inputEnergy(best.Simulation()),
		"satisfaction": best.Satisfaction(),
		"elapsed":      o.ElapsedTime().Seconds(),
		"variables":    variables,
		"objectives":   objectives,
	})
}

// Write stores the session settings and the best solution's variable values
func (o *Optimizer) Write(node *persist.Node) {
	o.session.Write(node.CreateChild(sessionLabel))
	best := o.BestSolution()
	if best == nil {
		return
	}
	point := best.Point()
	names := make([]string, 0, len(point))
	for name := range point {
		names = append(names, name)
	}
	sort.Strings(names)
	solution := node.CreateChild(solutionLabel)
	for _, name := range names {
		child := solution.CreateChild(variableLabel)
		child.SetString("name", name)
		child.SetFloat("value", point[name])
	}
}

// Update restores the session settings and, when a solution was stored,
// evaluates it as a one-shot report that becomes the best solution
func (o *Optimizer) Update(ctx context.Context, node *persist.Node) error {
	if o.IsRunning() {
		return ErrRunInProgress
	}
	if child := node.Child(sessionLabel); child != nil {
		if err := o.session.Update(child); err != nil {
			return err
		}
	}
	solution := node.Child(solutionLabel)
	if solution == nil {
		return nil
	}
	values := make(map[string]float64)
	for _, child := range solution.ChildrenNamed(variableLabel) {
		value, err := child.Float("value")
		if err != nil {
			return fmt.Errorf("solution: %w", err)
		}
		values[child.Attr("name")] = value
	}
	return o.report(ctx, values)
}

// report evaluates the stored variable values of the prepared problem's
// variables, falling back to initial values for those missing
func (o *Optimizer) report(ctx context.Context, values map[string]float64) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer o.running.Store(false)

	o.dispatch(Event{Kind: EventStarted})
	var trial *solver.Trial
	err := o.withPreparedProblem(ctx, func(problem *solver.Problem, evaluator *session.Evaluator) error {
		point := problem.InitialPoint()
		for name := range point {
			if v, ok := values[name]; ok {
				point[name] = v
			}
		}
		trial = problem.NewTrial(point)
		return evaluator.Evaluate(ctx, trial)
	})
	if err == nil {
		o.setBest(trial)
		o.dispatch(Event{Kind: EventNewOptimalSolution, Trial: trial})
	}
	return o.finish(err)
}
