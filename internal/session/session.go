// Package session turns the current parameter state into a searchable
// problem: it owns the objective catalog, the stopping policy and the cached
// design simulation, and brackets every solve with override injection and
// cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/objective"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/online"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/solver"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
)

// ErrAlreadyPrepared is returned by PrepareForSolving before Cleanup
var ErrAlreadyPrepared = errors.New("session is already prepared for solving")

// StopperSettings are the user-facing stopping rules of a solve
type StopperSettings struct {
	MinTime            time.Duration
	MaxTime            time.Duration
	TargetSatisfaction float64
}

// DefaultStopperSettings stops after 5 to 30 seconds, earlier at 99% satisfaction
func DefaultStopperSettings() StopperSettings {
	return StopperSettings{
		MinTime:            5 * time.Second,
		MaxTime:            30 * time.Second,
		TargetSatisfaction: 0.99,
	}
}

// EventKind names what changed on a session
type EventKind int

const (
	EventStopperChanged EventKind = iota
	EventObjectiveEnableChanged
	EventObjectiveSettingsChanged
)

// Event reports a session change. Objective is set for objective events.
type Event struct {
	Kind      EventKind
	Session   *Session
	Objective *objective.Objective
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithStopperSettings(settings StopperSettings) Option {
	return func(s *Session) { s.stopper = settings }
}

// WithMaxEvaluations caps the evaluations of each solve
func WithMaxEvaluations(n int) Option {
	return func(s *Session) { s.maxEvaluations = n }
}

// WithConvergence stops solves early once the strategy fires after MinTime
func WithConvergence(c solver.ConvergenceStrategy) Option {
	return func(s *Session) { s.convergence = c }
}

// Session is bound to one beamline selection. The objective catalog is fixed
// at construction; only the enabled subset and settings change.
type Session struct {
	name      string
	simulator *online.Simulator
	store     *params.Store
	logger    *slog.Logger

	objectives     []*objective.Objective
	maxEvaluations int
	convergence    solver.ConvergenceStrategy

	mu        sync.RWMutex
	stopper   StopperSettings
	nextSub   int
	listeners map[int]func(Event)

	designMu sync.Mutex
	design   *simulation.Simulation

	prepMu    sync.Mutex
	prepared  bool
	variables []*Variable
	fixed     []*params.CoreParameter
}

// New builds a session over the store's parameters with the full objective catalog
func New(name string, simulator *online.Simulator, store *params.Store, opts ...Option) *Session {
	s := &Session{
		name:       name,
		simulator:  simulator,
		store:      store,
		logger:     logger.Component("session"),
		objectives: objective.Catalog(),
		stopper:    DefaultStopperSettings(),
		listeners:  make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", name)
	for _, o := range s.objectives {
		o.Subscribe(s.forward)
	}
	return s
}

func (s *Session) Name() string { return s.name }

func (s *Session) Simulator() *online.Simulator { return s.simulator }

func (s *Session) Store() *params.Store { return s.store }

// Objectives returns the whole catalog
func (s *Session) Objectives() []*objective.Objective {
	return append([]*objective.Objective(nil), s.objectives...)
}

func (s *Session) Objective(name string) (*objective.Objective, bool) {
	return objective.Find(s.objectives, name)
}

// EnabledObjectives returns the enabled objectives in catalog order
func (s *Session) EnabledObjectives() []*objective.Objective {
	var out []*objective.Objective
	for _, o := range s.objectives {
		if o.Enabled() {
			out = append(out, o)
		}
	}
	return out
}

func (s *Session) SetObjectiveEnabled(name string, enabled bool) error {
	o, ok := s.Objective(name)
	if !ok {
		return fmt.Errorf("%w: %q", objective.ErrUnknownObjective, name)
	}
	o.SetEnabled(enabled)
	return nil
}

// ApplyDesignDefaults takes every objective's target and tolerance from the
// design simulation
func (s *Session) ApplyDesignDefaults(ctx context.Context) error {
	design, err := s.DesignSimulation(ctx)
	if err != nil {
		return err
	}
	for _, o := range s.objectives {
		o.ApplyDesignDefaults(design)
	}
	return nil
}

// DesignSimulation runs the engine once with no overrides and caches the
// result until the evaluation nodes or entrance probe change
func (s *Session) DesignSimulation(ctx context.Context) (*simulation.Simulation, error) {
	s.designMu.Lock()
	defer s.designMu.Unlock()
	if s.design != nil {
		return s.design, nil
	}
	sim, err := s.simulator.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("design simulation: %w", err)
	}
	s.design = sim
	return sim, nil
}

func (s *Session) invalidateDesign() {
	s.designMu.Lock()
	defer s.designMu.Unlock()
	s.design = nil
}

// SetEvaluationNodes changes where optics are sampled and drops the design cache
func (s *Session) SetEvaluationNodes(ids []string) error {
	if err := s.simulator.SetEvaluationNodes(ids); err != nil {
		return err
	}
	s.invalidateDesign()
	return nil
}

// SetEntranceProbe changes the entrance beam and drops the design cache
func (s *Session) SetEntranceProbe(p model.Probe) error {
	if err := s.simulator.SetEntranceProbe(p); err != nil {
		return err
	}
	s.invalidateDesign()
	return nil
}

// PrepareForSolving computes the design simulation, partitions the cores into
// variables, fixed-custom overrides and design defaults, injects the fixed
// overrides and returns the problem. On error nothing stays injected.
func (s *Session) PrepareForSolving(ctx context.Context) (*solver.Problem, *Evaluator, error) {
	s.prepMu.Lock()
	defer s.prepMu.Unlock()
	if s.prepared {
		return nil, nil, ErrAlreadyPrepared
	}

	design, err := s.DesignSimulation(ctx)
	if err != nil {
		return nil, nil, err
	}

	var variables []*Variable
	var fixed []*params.CoreParameter
	for _, core := range s.store.CoreParameters() {
		switch {
		case core.IsVariable():
			variables = append(variables, newVariable(core))
		case core.ActiveSource() != params.SourceDesign:
			fixed = append(fixed, core)
		}
	}

	s.simulator.SetFixedCustomParameterValues(fixed)
	s.prepared, s.variables, s.fixed = true, variables, fixed

	onlineVars := make([]online.Variable, len(variables))
	solverVars := make([]solver.Variable, len(variables))
	for i, v := range variables {
		onlineVars[i], solverVars[i] = v, v
	}
	enabled := s.EnabledObjectives()
	evaluator := &Evaluator{
		simulator:  s.simulator,
		design:     design,
		variables:  onlineVars,
		objectives: enabled,
	}
	problem := &solver.Problem{
		Variables:  solverVars,
		Objectives: enabled,
		Evaluator:  evaluator,
	}
	if err := problem.Validate(); err != nil {
		s.cleanupLocked()
		return nil, nil, err
	}

	s.logger.Debug("prepared for solving",
		"variables", len(variables),
		"fixed", len(fixed),
		"objectives", len(enabled))
	return problem, evaluator, nil
}

// Cleanup removes every override injected for the prepared problem. It is
// safe to call repeatedly and without a prior prepare.
func (s *Session) Cleanup() {
	s.prepMu.Lock()
	defer s.prepMu.Unlock()
	s.cleanupLocked()
}

func (s *Session) cleanupLocked() {
	if !s.prepared {
		return
	}
	vars := make([]online.Variable, len(s.variables))
	for i, v := range s.variables {
		vars[i] = v
	}
	s.simulator.Cleanup(vars, s.fixed)
	s.prepared, s.variables, s.fixed = false, nil, nil
}

// Variables of the prepared problem, nil when not prepared
func (s *Session) Variables() []*Variable {
	s.prepMu.Lock()
	defer s.prepMu.Unlock()
	return append([]*Variable(nil), s.variables...)
}

func (s *Session) StopperSettings() StopperSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopper
}

func (s *Session) SetStopperSettings(settings StopperSettings) {
	s.mu.Lock()
	if s.stopper == settings {
		s.mu.Unlock()
		return
	}
	s.stopper = settings
	fns := s.snapshot()
	s.mu.Unlock()
	s.notify(fns, Event{Kind: EventStopperChanged, Session: s})
}

// UpdateSolveDuration sets the maximum solve time, lowering the minimum time
// to match when needed
func (s *Session) UpdateSolveDuration(d time.Duration) {
	settings := s.StopperSettings()
	settings.MaxTime = d
	settings.MinTime = min(settings.MinTime, d)
	s.SetStopperSettings(settings)
}

// Stopper builds the solver stopper from the current settings
func (s *Session) Stopper() solver.Stopper {
	settings := s.StopperSettings()
	return solver.Stopper{
		MinTime:            settings.MinTime,
		MaxTime:            settings.MaxTime,
		TargetSatisfaction: settings.TargetSatisfaction,
		MaxEvaluations:     s.maxEvaluations,
		Convergence:        s.convergence,
	}
}

// Subscribe registers fn and replays the stopper settings and every
// objective's enable state and settings to it
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.listeners[id] = fn
	s.mu.Unlock()

	fn(Event{Kind: EventStopperChanged, Session: s})
	for _, o := range s.objectives {
		fn(Event{Kind: EventObjectiveEnableChanged, Session: s, Objective: o})
		fn(Event{Kind: EventObjectiveSettingsChanged, Session: s, Objective: o})
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) forward(e objective.Event) {
	kind := EventObjectiveEnableChanged
	if e.Kind == objective.EventSettingsChanged {
		kind = EventObjectiveSettingsChanged
	}
	s.mu.RLock()
	fns := s.snapshot()
	s.mu.RUnlock()
	s.notify(fns, Event{Kind: kind, Session: s, Objective: e.Objective})
}

func (s *Session) snapshot() []func(Event) {
	fns := make([]func(Event), 0, len(s.listeners))
	for id := 1; id <= s.nextSub; id++ {
		if fn, ok := s.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

func (s *Session) notify(fns []func(Event), e Event) {
	for _, fn := range fns {
		fn(e)
	}
}

const stopperLabel = "stopper"

// Write stores the objective settings and the stopper settings under node
func (s *Session) Write(node *persist.Node) {
	objective.Write(node, s.objectives)
	settings := s.StopperSettings()
	child := node.CreateChild(stopperLabel)
	child.SetFloat("minTime", settings.MinTime.Seconds())
	child.SetFloat("maxTime", settings.MaxTime.Seconds())
	child.SetFloat("targetSatisfaction", settings.TargetSatisfaction)
}

// Update restores settings stored by Write. A missing stopper child keeps the
// current stopper settings.
func (s *Session) Update(node *persist.Node) error {
	if err := objective.Update(node, s.objectives); err != nil {
		return err
	}
	child := node.Child(stopperLabel)
	if child == nil {
		return nil
	}
	minTime, err := child.Float("minTime")
	if err != nil {
		return fmt.Errorf("stopper: %w", err)
	}
	maxTime, err := child.Float("maxTime")
	if err != nil {
		return fmt.Errorf("stopper: %w", err)
	}
	target, err := child.Float("targetSatisfaction")
	if err != nil {
		return fmt.Errorf("stopper: %w", err)
	}
	s.SetStopperSettings(StopperSettings{
		MinTime:            seconds(minTime),
		MaxTime:            seconds(maxTime),
		TargetSatisfaction: target,
	})
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
