// Package manager is the tuner facade for one beamline selection. It owns the
// device agents, the parameter store, the evaluation range and entrance probe,
// and the optimizer built over them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/device"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/model/thinlens"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/objective"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/online"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/optimizer"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/session"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/solver"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
)

var (
	// ErrNoBeamline is returned by operations that need a selected beamline
	ErrNoBeamline = errors.New("no beamline selected")
	// ErrEmptyEvaluationRange is returned when no quadrupole, bend or cavity lies in the range
	ErrEmptyEvaluationRange = errors.New("evaluation range contains no nodes")
	// ErrNoSimulation is returned by exports that need a scored solution
	ErrNoSimulation = errors.New("no simulation available")
)

// EngineFactory builds a physics engine for a beamline
type EngineFactory func(b *config.Beamline) model.Engine

func defaultEngine(b *config.Beamline) model.Engine {
	return thinlens.New(b)
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithConfig applies stopper, solver and objective settings to every optimizer
func WithConfig(cfg *config.Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

func WithEngineFactory(f EngineFactory) Option {
	return func(m *Manager) { m.newEngine = f }
}

// WithSimulatorOptions is passed to every simulator the manager creates
func WithSimulatorOptions(opts ...online.Option) Option {
	return func(m *Manager) { m.simOpts = append(m.simOpts, opts...) }
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(m *Manager) { m.sessOpts = append(m.sessOpts, opts...) }
}

func WithOptimizerOptions(opts ...optimizer.Option) Option {
	return func(m *Manager) { m.optOpts = append(m.optOpts, opts...) }
}

// WithOptimizerListener subscribes fn to every optimizer the manager creates
func WithOptimizerListener(fn func(optimizer.Event)) Option {
	return func(m *Manager) { m.optListeners = append(m.optListeners, fn) }
}

// WithClock sets the time stamped on exports
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is safe for concurrent use. Simulations it runs itself use an
// engine separate from the optimizer's, so they never see trial overrides.
type Manager struct {
	logger       *slog.Logger
	cfg          *config.Config
	newEngine    EngineFactory
	simOpts      []online.Option
	sessOpts     []session.Option
	optOpts      []optimizer.Option
	optListeners []func(optimizer.Event)
	now          func() time.Time

	store *params.Store

	mu          sync.Mutex
	beamline    *config.Beamline
	agents      []*device.Agent
	simulator   *online.Simulator
	probe       model.Probe
	evalRange   [2]float64
	evalNodes   []string
	design      *simulation.Simulation
	optimizer   *optimizer.Optimizer
	unsubscribe []func()
}

func New(opts ...Option) *Manager {
	m := &Manager{
		logger:    logger.Component("manager"),
		newEngine: defaultEngine,
		now:       time.Now,
		store:     params.NewStore(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Store() *params.Store { return m.store }

func (m *Manager) Beamline() *config.Beamline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beamline
}

// Agents returns the device agents in lattice order
func (m *Manager) Agents() []*device.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.agents)
}

func (m *Manager) Agent(id string) (*device.Agent, bool) {
	for _, a := range m.Agents() {
		if a.ID() == id {
			return a, true
		}
	}
	return nil, false
}

func (m *Manager) AgentsOfKind(kind device.Kind) []*device.Agent {
	var out []*device.Agent
	for _, a := range m.Agents() {
		if a.Kind() == kind {
			out = append(out, a)
		}
	}
	return out
}

// SetBeamline replaces the selection. Parameters, the design simulation and
// the optimizer of the previous beamline are discarded. A nil beamline
// clears the selection.
func (m *Manager) SetBeamline(b *config.Beamline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.optimizer != nil && m.optimizer.IsRunning() {
		return optimizer.ErrRunInProgress
	}
	if err := m.store.Clear(); err != nil {
		return err
	}
	m.discardOptimizerLocked()
	m.beamline, m.agents, m.simulator, m.design = nil, nil, nil, nil
	m.evalNodes, m.evalRange = nil, [2]float64{}
	if b == nil {
		m.logger.Info("beamline cleared")
		return nil
	}

	agents := device.AgentsForBeamline(b)
	for _, a := range agents {
		if err := a.PopulateLiveParameters(m.store); err != nil {
			m.store.Clear()
			return err
		}
	}
	m.beamline = b
	m.agents = agents
	m.probe = thinlens.ProbeFromSpec(b.Probe)
	m.simulator = online.New(m.newEngine(b), nil, m.probe, m.simulatorOptions()...)

	if err := m.setEvaluationRangeLocked(0, beamlineLength(b)); err != nil && !errors.Is(err, ErrEmptyEvaluationRange) {
		return err
	}
	m.logger.Info("beamline selected",
		"beamline", b.ID,
		"agents", len(agents),
		"core_parameters", len(m.store.CoreParameters()),
		"evaluation_nodes", len(m.evalNodes))
	return nil
}

func (m *Manager) simulatorOptions() []online.Option {
	return append([]online.Option{online.WithLogger(m.logger.With("simulator", "manager"))}, m.simOpts...)
}

// beamlineLength falls back to the end of the last node for lattices without a length
func beamlineLength(b *config.Beamline) float64 {
	length := b.Length
	for _, n := range b.Nodes {
		length = max(length, n.Position+n.Length)
	}
	return length
}

func isEvaluationCandidate(n config.NodeSpec) bool {
	switch n.Type {
	case config.NodeQuad, config.NodeBend, config.NodeRFCavity:
		return true
	}
	return false
}

// EvaluationRange is the position range the evaluation nodes were taken from
func (m *Manager) EvaluationRange() [2]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evalRange
}

func (m *Manager) EvaluationNodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.evalNodes)
}

// SetEvaluationRange samples optics at every quadrupole, bend and cavity
// positioned within [first, last]. An empty range leaves the current
// evaluation nodes in place and returns ErrEmptyEvaluationRange.
func (m *Manager) SetEvaluationRange(first, last float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beamline == nil {
		return ErrNoBeamline
	}
	return m.setEvaluationRangeLocked(first, last)
}

func (m *Manager) setEvaluationRangeLocked(first, last float64) error {
	if first > last {
		first, last = last, first
	}
	candidates := slices.Clone(m.beamline.Nodes)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Position < candidates[j].Position })
	var ids []string
	for _, n := range candidates {
		if isEvaluationCandidate(n) && n.Position >= first && n.Position <= last {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: [%g, %g]", ErrEmptyEvaluationRange, first, last)
	}
	if err := m.simulator.SetEvaluationNodes(ids); err != nil {
		return err
	}
	if m.optimizer != nil {
		if err := m.optimizer.SetEvaluationNodes(ids); err != nil {
			if rerr := m.simulator.SetEvaluationNodes(m.evalNodes); rerr != nil {
				m.logger.Warn("failed to restore evaluation nodes", "error", rerr)
			}
			return err
		}
	}
	m.evalRange = [2]float64{first, last}
	m.evalNodes = ids
	m.design = nil
	m.logger.Debug("evaluation range set", "first", first, "last", last, "nodes", len(ids))
	return nil
}

func (m *Manager) EntranceProbe() model.Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probe
}

// SetEntranceProbe changes the beam at the sequence entrance for every
// later simulation and solve
func (m *Manager) SetEntranceProbe(p model.Probe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beamline == nil {
		return ErrNoBeamline
	}
	if err := m.simulator.SetEntranceProbe(p); err != nil {
		return err
	}
	if m.optimizer != nil {
		if err := m.optimizer.SetEntranceProbe(p); err != nil {
			if rerr := m.simulator.SetEntranceProbe(m.probe); rerr != nil {
				m.logger.Warn("failed to restore entrance probe", "error", rerr)
			}
			return err
		}
	}
	m.probe = p
	m.design = nil
	return nil
}

// Optimizer returns the optimizer of the current selection, creating it on
// first use
func (m *Manager) Optimizer() (*optimizer.Optimizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optimizerLocked()
}

func (m *Manager) optimizerLocked() (*optimizer.Optimizer, error) {
	if m.optimizer != nil {
		return m.optimizer, nil
	}
	if m.beamline == nil {
		return nil, ErrNoBeamline
	}

	sim := online.New(m.newEngine(m.beamline), m.evalNodes, m.probe,
		append([]online.Option{online.WithLogger(m.logger.With("simulator", "optimizer"))}, m.simOpts...)...)
	sessOpts := []session.Option{session.WithLogger(m.logger.With("component", "session"))}
	optOpts := []optimizer.Option{optimizer.WithLogger(m.logger.With("component", "optimizer"))}
	if m.cfg != nil {
		sessOpts = append(sessOpts,
			session.WithStopperSettings(session.StopperSettings{
				MinTime:            m.cfg.Stopper.MinTime(),
				MaxTime:            m.cfg.Stopper.MaxTime(),
				TargetSatisfaction: m.cfg.Stopper.TargetSatisfaction,
			}),
			session.WithMaxEvaluations(m.cfg.Solver.MaxEvaluations))
		method, err := solver.MethodByName(m.cfg.Solver.Method, m.cfg.Solver.SimplexSize, m.cfg.Solver.StepSize)
		if err != nil {
			return nil, err
		}
		optOpts = append(optOpts, optimizer.WithMethod(method))
		if m.cfg.Solver.Seed != 0 {
			optOpts = append(optOpts, optimizer.WithSeed(m.cfg.Solver.Seed))
		}
	}

	sess := session.New(m.beamline.ID, sim, m.store, append(sessOpts, m.sessOpts...)...)
	if m.cfg != nil {
		if err := objective.ApplyConfig(sess.Objectives(), m.cfg.Objectives); err != nil {
			return nil, err
		}
	}
	opt := optimizer.New(sess, append(optOpts, m.optOpts...)...)
	for _, fn := range m.optListeners {
		m.unsubscribe = append(m.unsubscribe, opt.Subscribe(fn))
	}
	m.optimizer = opt
	return opt, nil
}

func (m *Manager) discardOptimizerLocked() {
	for _, unsubscribe := range m.unsubscribe {
		unsubscribe()
	}
	m.unsubscribe = nil
	m.optimizer = nil
}

// DesignSimulation runs the engine with design values only. The result is
// cached until the evaluation range or entrance probe changes.
func (m *Manager) DesignSimulation(ctx context.Context) (*simulation.Simulation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.designLocked(ctx)
}

func (m *Manager) designLocked(ctx context.Context) (*simulation.Simulation, error) {
	if m.design != nil {
		return m.design, nil
	}
	if m.simulator == nil {
		return nil, ErrNoBeamline
	}
	sim, err := m.simulator.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("design simulation: %w", err)
	}
	m.design = sim
	return sim, nil
}

// RunOnlineModelSimulation runs the engine with the initial value of every
// parameter whose source is not Design
func (m *Manager) RunOnlineModelSimulation(ctx context.Context) (*simulation.Simulation, error) {
	m.mu.Lock()
	sim := m.simulator
	m.mu.Unlock()
	if sim == nil {
		return nil, ErrNoBeamline
	}
	return sim.RunWithCurrentValues(ctx, m.nonDesignCores())
}

func (m *Manager) nonDesignCores() []*params.CoreParameter {
	var cores []*params.CoreParameter
	for _, core := range m.store.CoreParameters() {
		if core.ActiveSource() != params.SourceDesign {
			cores = append(cores, core)
		}
	}
	return cores
}

// ApplyBestGuess retunes cavity phases for longitudinal focusing, then
// scales magnet fields to the resulting energy profile
func (m *Manager) ApplyBestGuess(ctx context.Context) error {
	if err := m.GuessRFPhaseToPreserveLongitudinalFocusing(); err != nil {
		return err
	}
	if err := m.ScaleMagnetFieldsToEnergy(ctx); err != nil {
		return err
	}
	m.logger.Info("best guess of RF phases and magnet fields applied")
	return nil
}

// ScaleMagnetFieldsToEnergy scales each magnet's design field by the
// momentum ratio between the current and design energy at the magnet
func (m *Manager) ScaleMagnetFieldsToEnergy(ctx context.Context) error {
	current, err := m.RunOnlineModelSimulation(ctx)
	if err != nil {
		return err
	}
	design, err := m.DesignSimulation(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range m.Agents() {
		if a.FieldParameter() == nil {
			continue
		}
		state := current.Trajectory().StateForElement(a.ID())
		designState := design.Trajectory().StateForElement(a.ID())
		if state == nil || designState == nil {
			m.logger.Warn("no trajectory state for magnet", "node", a.ID())
			continue
		}
		if err := a.PreserveDesignInfluence(state.KineticEnergy, designState.KineticEnergy, state.RestEnergy); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScaleMagneticFieldsForEnergyChange scales every magnet's field, read from
// source, by the momentum ratio between the two kinetic energies (eV). No
// acceleration inside the sequence is assumed.
func (m *Manager) ScaleMagneticFieldsForEnergyChange(source params.Source, initialKinetic, targetKinetic float64) error {
	scale := device.EnergyScale(initialKinetic, targetKinetic, m.EntranceProbe().RestEnergy)

	// shared cores would compound if scaled in place, so read everything first
	targets := make(map[*params.LiveParameter]float64)
	var magnets []*params.LiveParameter
	for _, a := range m.Agents() {
		p := a.FieldParameter()
		if p == nil {
			continue
		}
		field, ok := sourceValue(p, source)
		if !ok {
			continue
		}
		targets[p] = scale * field
		magnets = append(magnets, p)
	}

	var errs []error
	for _, p := range magnets {
		if err := p.SetCustomValue(targets[p]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sourceValue(p *params.LiveParameter, source params.Source) (float64, bool) {
	switch source {
	case params.SourceDesign:
		return p.DesignValue(), true
	case params.SourceControl:
		if !p.IsControlConnected() {
			return 0, false
		}
		v := p.ControlValue()
		return v, !math.IsNaN(v)
	default:
		return p.CustomValue(), true
	}
}

// GuessRFPhaseToPreserveLongitudinalFocusing picks each cavity's custom
// phase so the product of amplitude and effective sine phase stays at design
func (m *Manager) GuessRFPhaseToPreserveLongitudinalFocusing() error {
	var errs []error
	for _, a := range m.AgentsOfKind(device.KindRFCavity) {
		if err := a.PreserveDesignFocusingWithPhase(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FreezeParametersOfDisabledCavities fixes amplitude and phase of every
// cavity whose initial amplitude is zero
func (m *Manager) FreezeParametersOfDisabledCavities() error {
	var errs []error
	for _, a := range m.AgentsOfKind(device.KindRFCavity) {
		amplitude, phase := a.AmplitudeParameter(), a.PhaseParameter()
		if amplitude == nil || amplitude.InitialValue() != 0 {
			continue
		}
		errs = append(errs, amplitude.SetIsVariable(false), phase.SetIsVariable(false))
		m.logger.Debug("froze disabled cavity", "node", a.ID())
	}
	return errors.Join(errs...)
}

// ImportOptimalValues copies the best solution into the custom values. It is
// a no-op before an optimizer exists.
func (m *Manager) ImportOptimalValues() error {
	m.mu.Lock()
	opt := m.optimizer
	m.mu.Unlock()
	if opt == nil {
		return nil
	}
	if err := opt.CopyOptimalToCustomValues(); err != nil {
		return err
	}
	m.logger.Info("optimal values imported")
	return nil
}

// UploadInitialValues writes each parameter's initial value to the control
// layer and reports how many succeeded
func (m *Manager) UploadInitialValues(ctx context.Context, layer device.ControlLayer, parameters []*params.LiveParameter) device.UploadResult {
	result := device.NewUploader(layer, device.WithUploadLogger(m.logger)).Upload(ctx, parameters)
	m.logger.Info("initial values uploaded", "succeeded", result.Succeeded, "requested", result.Requested)
	return result
}

// RefreshControlValues pulls control and readback values for every parameter
func (m *Manager) RefreshControlValues(ctx context.Context, layer device.ControlLayer) error {
	return device.Refresh(ctx, layer, m.store)
}

// CustomSetting is a custom value and limits in physical units. Nil fields
// are left unchanged.
type CustomSetting struct {
	Value  *float64    `json:"value,omitempty" yaml:"value,omitempty"`
	Limits *[2]float64 `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// LoadCustomSettings applies settings keyed by node id to the matching
// parameters. Unknown node ids are skipped.
func (m *Manager) LoadCustomSettings(settings map[string]CustomSetting, parameters []*params.LiveParameter) error {
	byNode := make(map[string]*params.LiveParameter, len(parameters))
	for _, p := range parameters {
		byNode[p.Node().ID()] = p
	}
	var errs []error
	for id, s := range settings {
		p, ok := byNode[id]
		if !ok {
			continue
		}
		if s.Value != nil {
			errs = append(errs, p.SetCustomValue(*s.Value))
		}
		if s.Limits != nil {
			errs = append(errs, p.SetCustomLimits(s.Limits[0], s.Limits[1]))
		}
	}
	return errors.Join(errs...)
}
