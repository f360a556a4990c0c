// Package modeltest provides a scripted model.Engine for tests.
package modeltest

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
)

// ErrScripted is the default failure injected through Engine.Fail.
var ErrScripted = errors.New("scripted engine failure")

// TrajectoryFunc builds a trajectory from the active inputs and probe
type TrajectoryFunc func(inputs map[model.InputKey]float64, probe model.Probe) (*model.Trajectory, error)

// Engine records every call and delegates trajectory construction to Func.
type Engine struct {
	mu       sync.Mutex
	entrance model.Probe
	probe    model.Probe
	inputs   map[model.InputKey]float64

	Func TrajectoryFunc
	// Gate, when set, blocks Run until it is closed or the context ends.
	Gate chan struct{}
	// Entered receives a value each time Run starts, when non-nil.
	Entered chan struct{}
	Fail    error

	Runs      int
	SyncCalls int
}

var _ model.Engine = (*Engine)(nil)

// New returns an engine producing trajectories with fn
func New(fn TrajectoryFunc) *Engine {
	return &Engine{
		inputs: make(map[model.InputKey]float64),
		Func:   fn,
	}
}

func (e *Engine) Probe() model.Probe {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probe
}

func (e *Engine) SetProbe(p model.Probe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entrance = p
	e.probe = p
}

func (e *Engine) ResetProbe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probe = e.entrance
}

func (e *Engine) SyncDesign() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SyncCalls++
	return nil
}

func (e *Engine) SetModelInput(key model.InputKey, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs[key] = value
}

func (e *Engine) RemoveModelInput(key model.InputKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inputs, key)
}

func (e *Engine) ModelInputs() map[model.InputKey]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.inputs)
}

// SetFailure makes subsequent runs fail with err (nil clears it)
func (e *Engine) SetFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Fail = err
}

// RunCount returns the number of Run calls so far
func (e *Engine) RunCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Runs
}

func (e *Engine) Run(ctx context.Context) (*model.Trajectory, error) {
	e.mu.Lock()
	e.Runs++
	gate, entered := e.Gate, e.Entered
	e.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Fail != nil {
		return nil, e.Fail
	}
	if e.Func == nil {
		return &model.Trajectory{}, nil
	}
	return e.Func(maps.Clone(e.inputs), e.probe)
}

// BetaTrajectory returns a TrajectoryFunc emitting one state per id with the
// given X betas. A field input on a node multiplies that node's beta.
func BetaTrajectory(ids []string, betaX []float64) TrajectoryFunc {
	return func(inputs map[model.InputKey]float64, probe model.Probe) (*model.Trajectory, error) {
		states := make([]model.State, 0, len(ids)+1)
		for i, id := range ids {
			beta := betaX[i]
			if s, ok := inputs[model.InputKey{NodeID: id, Property: model.PropertyField}]; ok {
				beta *= s
			}
			states = append(states, model.State{
				ElementID:     id,
				Position:      float64(i),
				KineticEnergy: probe.KineticEnergy,
				RestEnergy:    probe.RestEnergy,
				Charge:        probe.Charge,
				Twiss: [3]model.Twiss{
					{Beta: beta, Emittance: 1},
					{Beta: 1, Emittance: 1},
					{Beta: 1, Emittance: 1},
				},
			})
		}
		states = append(states, model.State{
			ElementID:     "END",
			Position:      float64(len(ids)),
			KineticEnergy: probe.KineticEnergy,
			RestEnergy:    probe.RestEnergy,
			Charge:        probe.Charge,
		})
		return &model.Trajectory{States: states}, nil
	}
}
