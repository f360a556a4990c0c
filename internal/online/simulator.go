// Package online runs the physics engine with scoped parameter overrides and
// wraps each result as a simulation.Simulation.
package online

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
)

var (
	// ErrSimulatorBusy is returned when a run or reconfiguration is attempted while running.
	ErrSimulatorBusy = errors.New("simulator is running")
	// ErrEngineFailure wraps errors raised by the physics engine.
	ErrEngineFailure = errors.New("engine failure")
)

// State of the simulator
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Variable is a solver variable bound to a core parameter. Its values are in
// the core's raw units.
type Variable interface {
	Name() string
	Core() *params.CoreParameter
}

// Observer is told the duration and outcome of every engine run
type Observer func(d time.Duration, err error)

// Simulator serialises engine runs. Overrides are injected as engine model
// inputs and must be removed with Cleanup.
type Simulator struct {
	mu      sync.Mutex
	state   State
	nodeIDs []string
	probe   model.Probe

	engine   model.Engine
	calc     model.Calculator
	observer Observer
	logger   *slog.Logger
}

type Option func(*Simulator)

// WithCalculator sets the machine-parameter calculator used by results
func WithCalculator(c model.Calculator) Option {
	return func(s *Simulator) { s.calc = c }
}

func WithObserver(o Observer) Option {
	return func(s *Simulator) { s.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

func New(engine model.Engine, evaluationNodeIDs []string, probe model.Probe, opts ...Option) *Simulator {
	s := &Simulator{
		engine:  engine,
		nodeIDs: slices.Clone(evaluationNodeIDs),
		probe:   probe,
		logger:  logger.Component("simulator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Simulator) EvaluationNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.nodeIDs)
}

// SetEvaluationNodes replaces the nodes at which results are sampled
func (s *Simulator) SetEvaluationNodes(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrSimulatorBusy
	}
	s.nodeIDs = slices.Clone(ids)
	return nil
}

func (s *Simulator) EntranceProbe() model.Probe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probe
}

func (s *Simulator) SetEntranceProbe(p model.Probe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrSimulatorBusy
	}
	s.probe = p
	return nil
}

// Run resets the probe to the entrance probe, syncs design values and runs
// the engine with whatever overrides are currently injected.
func (s *Simulator) Run(ctx context.Context) (*simulation.Simulation, error) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil, ErrSimulatorBusy
	}
	s.state = StateRunning
	ids := slices.Clone(s.nodeIDs)
	probe := s.probe
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}()

	start := time.Now()
	traj, err := s.execute(ctx, probe)
	if s.observer != nil {
		s.observer(time.Since(start), err)
	}
	if err != nil {
		s.logger.Error("engine run failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrEngineFailure, err)
	}
	return simulation.New(traj, ids, s.calc), nil
}

func (s *Simulator) execute(ctx context.Context, probe model.Probe) (*model.Trajectory, error) {
	s.engine.SetProbe(probe)
	s.engine.ResetProbe()
	if err := s.engine.SyncDesign(); err != nil {
		return nil, err
	}
	return s.engine.Run(ctx)
}

func inputKey(p *params.LiveParameter) model.InputKey {
	return model.InputKey{NodeID: p.Node().ID(), Property: p.Adaptor().Accessor()}
}

// SetFixedCustomParameterValues injects the physical initial value of every
// live parameter of the given cores.
func (s *Simulator) SetFixedCustomParameterValues(cores []*params.CoreParameter) {
	for _, core := range cores {
		for _, p := range core.LiveParameters() {
			s.engine.SetModelInput(inputKey(p), p.InitialValue())
		}
	}
}

// SetVariableValues injects point[v.Name()], converted to each affected
// node's physical units. Variables missing from point are skipped.
func (s *Simulator) SetVariableValues(vars []Variable, point map[string]float64) {
	for _, v := range vars {
		value, ok := point[v.Name()]
		if !ok {
			continue
		}
		for _, p := range v.Core().LiveParameters() {
			s.engine.SetModelInput(inputKey(p), p.Adaptor().ToPhysical(p.Node(), value))
		}
	}
}

// Cleanup removes every override that SetVariableValues or
// SetFixedCustomParameterValues may have injected for vars and cores.
func (s *Simulator) Cleanup(vars []Variable, cores []*params.CoreParameter) {
	for _, v := range vars {
		for _, p := range v.Core().LiveParameters() {
			s.engine.RemoveModelInput(inputKey(p))
		}
	}
	for _, core := range cores {
		for _, p := range core.LiveParameters() {
			s.engine.RemoveModelInput(inputKey(p))
		}
	}
}

// Apply injects variable and fixed values and returns the func that removes them
func (s *Simulator) Apply(vars []Variable, point map[string]float64, cores []*params.CoreParameter) (release func()) {
	s.SetFixedCustomParameterValues(cores)
	s.SetVariableValues(vars, point)
	return func() { s.Cleanup(vars, cores) }
}

// RunWithCurrentValues runs with the initial values of cores applied. The
// overrides are removed on every path.
func (s *Simulator) RunWithCurrentValues(ctx context.Context, cores []*params.CoreParameter) (*simulation.Simulation, error) {
	release := s.Apply(nil, nil, cores)
	defer release()
	return s.Run(ctx)
}
