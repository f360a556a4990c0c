// Package objective scores simulations against optics goals: bounded beta and
// dispersion, a target output energy and agreement with the design optics.
package objective

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
	"gonum.org/v1/gonum/floats"
)

// Kind is the closed set of objective types
type Kind int

const (
	KindEnergyTarget Kind = iota
	KindBetaMax
	KindBetaMin
	KindEtaMax
	KindEtaMin
	KindBetaMeanError
	KindBetaWorstError
)

func (k Kind) String() string {
	switch k {
	case KindEnergyTarget:
		return "energy_target"
	case KindBetaMax:
		return "beta_max"
	case KindBetaMin:
		return "beta_min"
	case KindEtaMax:
		return "eta_max"
	case KindEtaMin:
		return "eta_min"
	case KindBetaMeanError:
		return "beta_mean_error"
	case KindBetaWorstError:
		return "beta_worst_error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) isUpperBound() bool { return k == KindBetaMax || k == KindEtaMax }
func (k Kind) isLowerBound() bool { return k == KindBetaMin || k == KindEtaMin }
func (k Kind) isError() bool { return k == KindBetaMeanError || k == KindBetaWorstError }

// EnergyObjectiveName is the name of the output energy objective
const EnergyObjectiveName = "Output Kinetic Energy"

// errorTolerance is the default tolerance of the design agreement objectives, as a fraction
const errorTolerance = 0.05

// EventKind names what changed on an objective
type EventKind int

const (
	EventEnableChanged EventKind = iota
	EventSettingsChanged
)

// Event reports a change to an objective
type Event struct {
	Kind      EventKind
	Objective *Objective
}

// Objective is one optics goal. Target is the bound for bound kinds, the
// output kinetic energy in MeV for the energy kind, and unused for error kinds.
type Objective struct {
	name string
	kind Kind
	axis model.Axis

	mu        sync.RWMutex
	enabled   bool
	target    float64
	tolerance float64
	nextSub   int
	listeners map[int]func(Event)
}

func newObjective(name string, kind Kind, axis model.Axis, target, tolerance float64) *Objective {
	return &Objective{
		name:      name,
		kind:      kind,
		axis:      axis,
		target:    target,
		tolerance: tolerance,
		listeners: make(map[int]func(Event)),
	}
}

// NewEnergyTarget scores the output kinetic energy (MeV) against target
func NewEnergyTarget(target, tolerance float64) *Objective {
	return newObjective(EnergyObjectiveName, KindEnergyTarget, model.Z, target, tolerance)
}

// NewBetaMax penalises beta above bound on axis
func NewBetaMax(axis model.Axis, bound, tolerance float64) *Objective {
	return newObjective("Beta Max "+axis.String(), KindBetaMax, axis, bound, tolerance)
}

func NewBetaMin(axis model.Axis, bound, tolerance float64) *Objective {
	return newObjective("Beta Min "+axis.String(), KindBetaMin, axis, bound, tolerance)
}

func NewEtaMax(axis model.Axis, bound, tolerance float64) *Objective {
	return newObjective("Eta Max "+axis.String(), KindEtaMax, axis, bound, tolerance)
}

func NewEtaMin(axis model.Axis, bound, tolerance float64) *Objective {
	return newObjective("Eta Min "+axis.String(), KindEtaMin, axis, bound, tolerance)
}

// NewBetaMeanError scores the mean fractional beta deviation from design
func NewBetaMeanError(axis model.Axis, tolerance float64) *Objective {
	return newObjective("Beta Mean Error "+axis.String(), KindBetaMeanError, axis, 0, tolerance)
}

// NewBetaWorstError scores the largest fractional beta deviation from design
func NewBetaWorstError(axis model.Axis, tolerance float64) *Objective {
	return newObjective("Beta Worst Error "+axis.String(), KindBetaWorstError, axis, 0, tolerance)
}

func (o *Objective) Name() string { return o.name }
func (o *Objective) Kind() Kind { return o.kind }
func (o *Objective) Axis() model.Axis { return o.axis }

func (o *Objective) Enabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enabled
}

func (o *Objective) Target() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.target
}

func (o *Objective) Tolerance() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tolerance
}

func (o *Objective) SetEnabled(enabled bool) {
	o.mu.Lock()
	if o.enabled == enabled {
		o.mu.Unlock()
		return
	}
	o.enabled = enabled
	fns := o.snapshot()
	o.mu.Unlock()
	o.notify(fns, EventEnableChanged)
}

// SetTarget sets the bound or target energy
func (o *Objective) SetTarget(target float64) {
	o.setSettings(target, o.Tolerance())
}

func (o *Objective) SetTolerance(tolerance float64) {
	o.setSettings(o.Target(), tolerance)
}

// SetSettings sets target and tolerance with a single event
func (o *Objective) SetSettings(target, tolerance float64) {
	o.setSettings(target, tolerance)
}

func (o *Objective) setSettings(target, tolerance float64) {
	o.mu.Lock()
	if o.target == target && o.tolerance == tolerance {
		o.mu.Unlock()
		return
	}
	o.target, o.tolerance = target, tolerance
	fns := o.snapshot()
	o.mu.Unlock()
	o.notify(fns, EventSettingsChanged)
}

// Subscribe registers fn and replays the current enable state and settings to it
func (o *Objective) Subscribe(fn func(Event)) func() {
	o.mu.Lock()
	o.nextSub++
	id := o.nextSub
	o.listeners[id] = fn
	o.mu.Unlock()

	fn(Event{Kind: EventEnableChanged, Objective: o})
	fn(Event{Kind: EventSettingsChanged, Objective: o})

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

func (o *Objective) snapshot() []func(Event) {
	ids := make([]int, 0, len(o.listeners))
	for id := range o.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = o.listeners[id]
	}
	return fns
}

func (o *Objective) notify(fns []func(Event), kind EventKind) {
	for _, fn := range fns {
		fn(Event{Kind: kind, Objective: o})
	}
}

// Value computes the objective's raw value for trial, using design for the
// error kinds. NaN samples give NaN.
func (o *Objective) Value(trial, design *simulation.Simulation) float64 {
	target := o.Target()
	switch o.kind {
	case KindEnergyTarget:
		return trial.OutputKineticEnergy()
	case KindBetaMax:
		return upperBoundValue(trial.Beta()[o.axis], target, trial.BetaMax()[o.axis])
	case KindEtaMax:
		return upperBoundValue(trial.Eta()[o.axis], target, trial.EtaMax()[o.axis])
	case KindBetaMin:
		return lowerBoundValue(trial.Beta()[o.axis], target, trial.BetaMin()[o.axis])
	case KindEtaMin:
		return lowerBoundValue(trial.Eta()[o.axis], target, trial.EtaMin()[o.axis])
	case KindBetaMeanError:
		if design == nil {
			return math.NaN()
		}
		return trial.MeanBetaError(design)[o.axis]
	case KindBetaWorstError:
		if design == nil {
			return math.NaN()
		}
		return trial.WorstBetaError(design)[o.axis]
	}
	return math.NaN()
}

// upperBoundValue sums the samples above bound, largest first, with decaying
// weights. Without violations it is the simulated maximum.
func upperBoundValue(samples []float64, bound, extremum float64) float64 {
	if floats.HasNaN(samples) {
		return math.NaN()
	}
	var violators []float64
	for _, s := range samples {
		if s > bound {
			violators = append(violators, s)
		}
	}
	if len(violators) == 0 {
		return extremum
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(violators)))
	return WeightedSum(violators)
}

// lowerBoundValue mirrors upperBoundValue: the bound minus the weighted
// shortfalls, most severe first. Without violations it is the simulated minimum.
func lowerBoundValue(samples []float64, bound, extremum float64) float64 {
	if floats.HasNaN(samples) {
		return math.NaN()
	}
	var violators []float64
	for _, s := range samples {
		if s < bound {
			violators = append(violators, s)
		}
	}
	if len(violators) == 0 {
		return extremum
	}
	sort.Float64s(violators)
	shortfalls := make([]float64, len(violators))
	for i, s := range violators {
		shortfalls[i] = bound - s
	}
	return bound - WeightedSum(shortfalls)
}

// Satisfaction maps a value from Value to [0, 1]
func (o *Objective) Satisfaction(value float64) float64 {
	if math.IsNaN(value) {
		return 0
	}
	target, tolerance := o.Target(), o.Tolerance()
	switch {
	case o.kind.isUpperBound():
		if value <= target {
			return 1
		}
		return InverseSquareSatisfaction(value-target, tolerance)
	case o.kind.isLowerBound():
		if value >= target {
			return 1
		}
		return InverseSquareSatisfaction(target-value, tolerance)
	case o.kind.isError():
		return InverseSquareSatisfaction(value, tolerance)
	default:
		return InverseSquareSatisfaction(math.Abs(value-target), tolerance)
	}
}

// DesignTarget is the natural target taken from the design optics: the design
// extremum for bounds, the design output energy for the energy kind.
func (o *Objective) DesignTarget(design *simulation.Simulation) float64 {
	switch o.kind {
	case KindEnergyTarget:
		return design.OutputKineticEnergy()
	case KindBetaMax:
		return design.BetaMax()[o.axis]
	case KindBetaMin:
		return design.BetaMin()[o.axis]
	case KindEtaMax:
		return design.EtaMax()[o.axis]
	case KindEtaMin:
		return design.EtaMin()[o.axis]
	}
	return 0
}

// DefaultTolerance for a given target: a tenth of it for bounds, a twentieth
// for the energy and a fixed 5% for the error kinds.
func (o *Objective) DefaultTolerance(target float64) float64 {
	switch {
	case o.kind.isError():
		return errorTolerance
	case o.kind == KindEnergyTarget:
		return math.Abs(target) / 20
	default:
		return math.Abs(target) / 10
	}
}

// ApplyDesignDefaults sets the target and tolerance from the design optics.
// Non-finite design targets leave the objective unchanged.
func (o *Objective) ApplyDesignDefaults(design *simulation.Simulation) {
	if o.kind.isError() {
		o.SetTolerance(errorTolerance)
		return
	}
	target := o.DesignTarget(design)
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return
	}
	o.SetSettings(target, o.DefaultTolerance(target))
}

// DisplayValue converts a value for reports: percent for error kinds
func (o *Objective) DisplayValue(value float64) float64 {
	if o.kind.isError() {
		return 100 * value
	}
	return value
}

// Label is the name with display units
func (o *Objective) Label() string {
	switch {
	case o.kind.isError():
		return o.name + " (%)"
	case o.kind == KindEnergyTarget:
		return o.name + " (MeV)"
	default:
		return o.name + " (m)"
	}
}

func (o *Objective) String() string {
	return fmt.Sprintf("%s[enabled=%t target=%g tolerance=%g]", o.name, o.Enabled(), o.Target(), o.Tolerance())
}
