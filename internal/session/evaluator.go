package session

import (
	"context"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/objective"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/online"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/solver"
)

// Evaluator runs one simulation per trial with the trial's variable values
// injected and scores it against the design simulation
type Evaluator struct {
	simulator  *online.Simulator
	design     *simulation.Simulation
	variables  []online.Variable
	objectives []*objective.Objective
}

var _ solver.Evaluator = (*Evaluator)(nil)

// Evaluate scores every objective of the prepared problem. An engine failure
// is returned and leaves the trial unscored.
func (e *Evaluator) Evaluate(ctx context.Context, trial *solver.Trial) error {
	e.simulator.SetVariableValues(e.variables, trial.Point())
	sim, err := e.simulator.Run(ctx)
	if err != nil {
		return err
	}
	for _, o := range e.objectives {
		trial.SetScore(o, o.Value(sim, e.design))
	}
	trial.SetSimulation(sim)
	return nil
}

// Design is the reference simulation trials are scored against
func (e *Evaluator) Design() *simulation.Simulation { return e.design }
