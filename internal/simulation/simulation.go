// Package simulation wraps one engine trajectory and derives, on first use, the
// optics arrays sampled at a list of evaluation nodes.
package simulation

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

// MeVPerEV converts engine energies to the MeV reported by a Simulation
const MeVPerEV = 1e-6

// Simulation is immutable after construction. Derived arrays are computed once
// and shared; callers must not modify returned slices.
type Simulation struct {
	trajectory *model.Trajectory
	nodeIDs    []string
	calc       model.Calculator

	statesOnce sync.Once
	states     []*model.State

	twissOnce sync.Once
	alpha     [3][]float64
	beta      [3][]float64
	emittance [3][]float64

	etaOnce sync.Once
	eta     [3][]float64

	beamOnce   sync.Once
	positions  []float64
	elementIDs []string
	kinetic    []float64
	rest       []float64
	charge     []float64

	extremaOnce sync.Once
	betaMin     [3]float64
	betaMax     [3]float64
	etaMin      [3]float64
	etaMax      [3]float64

	errMu      sync.Mutex
	errBase    *Simulation
	percentErr [3][]float64
	meanErr    [3]float64
	worstErr   [3]float64
}

// New wraps a trajectory sampled at the given evaluation node ids.
// A nil calculator reads Twiss and dispersion straight from the states.
func New(trajectory *model.Trajectory, evaluationNodeIDs []string, calc model.Calculator) *Simulation {
	if calc == nil {
		calc = model.StateCalculator{}
	}
	ids := make([]string, len(evaluationNodeIDs))
	copy(ids, evaluationNodeIDs)
	return &Simulation{
		trajectory: trajectory,
		nodeIDs:    ids,
		calc:       calc,
	}
}

// Trajectory returns the wrapped trajectory
func (s *Simulation) Trajectory() *model.Trajectory {
	return s.trajectory
}

// EvaluationNodeIDs returns the node ids the arrays are sampled at
func (s *Simulation) EvaluationNodeIDs() []string {
	return s.nodeIDs
}

// OutputKineticEnergy is the kinetic energy in MeV at the end of the trajectory,
// NaN for an empty trajectory.
func (s *Simulation) OutputKineticEnergy() float64 {
	final := s.trajectory.FinalState()
	if final == nil {
		return math.NaN()
	}
	return final.KineticEnergy * MeVPerEV
}

// States returns one state per evaluation node; nodes with no match in the
// trajectory have a nil slot. Each node matches the first state whose element id
// starts with the node id, independent of the order of the evaluation nodes.
func (s *Simulation) States() []*model.State {
	s.statesOnce.Do(func() {
		s.states = make([]*model.State, len(s.nodeIDs))
		for i, id := range s.nodeIDs {
			s.states[i] = s.trajectory.StateForElement(id)
		}
	})
	return s.states
}

func (s *Simulation) computeTwiss() {
	s.twissOnce.Do(func() {
		states := s.States()
		for _, axis := range model.Axes {
			s.alpha[axis] = utils.NaNSlice(len(states))
			s.beta[axis] = utils.NaNSlice(len(states))
			s.emittance[axis] = utils.NaNSlice(len(states))
		}
		for i, st := range states {
			if st == nil {
				continue
			}
			twiss := s.calc.Twiss(st)
			for _, axis := range model.Axes {
				s.alpha[axis][i] = twiss[axis].Alpha
				s.beta[axis][i] = twiss[axis].Beta
				s.emittance[axis][i] = twiss[axis].Emittance
			}
		}
	})
}

// Alpha returns the Twiss alpha per axis at each evaluation node
func (s *Simulation) Alpha() [3][]float64 {
	s.computeTwiss()
	return s.alpha
}

// Beta returns the Twiss beta per axis at each evaluation node
func (s *Simulation) Beta() [3][]float64 {
	s.computeTwiss()
	return s.beta
}

// Emittance returns the emittance per axis at each evaluation node
func (s *Simulation) Emittance() [3][]float64 {
	s.computeTwiss()
	return s.emittance
}

// Eta returns the chromatic dispersion; the Z row is all zeros.
func (s *Simulation) Eta() [3][]float64 {
	s.etaOnce.Do(func() {
		states := s.States()
		s.eta[model.X] = utils.NaNSlice(len(states))
		s.eta[model.Y] = utils.NaNSlice(len(states))
		s.eta[model.Z] = make([]float64, len(states))
		for i, st := range states {
			if st == nil {
				continue
			}
			d := s.calc.Dispersion(st)
			s.eta[model.X][i] = d[0]
			s.eta[model.Y][i] = d[1]
		}
	})
	return s.eta
}

func (s *Simulation) computeBeam() {
	s.beamOnce.Do(func() {
		states := s.States()
		n := len(states)
		s.positions = utils.NaNSlice(n)
		s.elementIDs = make([]string, n)
		s.kinetic = utils.NaNSlice(n)
		s.rest = utils.NaNSlice(n)
		s.charge = utils.NaNSlice(n)
		for i, st := range states {
			if st == nil {
				continue
			}
			s.positions[i] = st.Position
			s.elementIDs[i] = st.ElementID
			s.kinetic[i] = st.KineticEnergy * MeVPerEV
			s.rest[i] = st.RestEnergy * MeVPerEV
			s.charge[i] = st.Charge
		}
	})
}

// Positions returns the beamline position of each evaluation node
func (s *Simulation) Positions() []float64 {
	s.computeBeam()
	return s.positions
}

// EvaluationElementIDs returns the matched element id of each node, "" when unmatched
func (s *Simulation) EvaluationElementIDs() []string {
	s.computeBeam()
	return s.elementIDs
}

// KineticEnergy returns the kinetic energy in MeV at each evaluation node
func (s *Simulation) KineticEnergy() []float64 {
	s.computeBeam()
	return s.kinetic
}

// RestEnergy returns the rest energy in MeV at each evaluation node
func (s *Simulation) RestEnergy() []float64 {
	s.computeBeam()
	return s.rest
}

// SpeciesCharge returns the charge at each evaluation node
func (s *Simulation) SpeciesCharge() []float64 {
	s.computeBeam()
	return s.charge
}

func (s *Simulation) computeExtrema() {
	s.extremaOnce.Do(func() {
		beta := s.Beta()
		eta := s.Eta()
		for _, axis := range model.Axes {
			s.betaMin[axis], s.betaMax[axis] = utils.Extrema(beta[axis])
		}
		for _, axis := range []model.Axis{model.X, model.Y} {
			s.etaMin[axis], s.etaMax[axis] = utils.Extrema(eta[axis])
		}
	})
}

// BetaMin returns the smallest beta per axis; NaN if any sample on the axis is NaN
func (s *Simulation) BetaMin() [3]float64 {
	s.computeExtrema()
	return s.betaMin
}

// BetaMax returns the largest beta per axis; NaN if any sample on the axis is NaN
func (s *Simulation) BetaMax() [3]float64 {
	s.computeExtrema()
	return s.betaMax
}

// EtaMin returns the smallest dispersion for X and Y; Z is 0
func (s *Simulation) EtaMin() [3]float64 {
	s.computeExtrema()
	return s.etaMin
}

// EtaMax returns the largest dispersion for X and Y; Z is 0
func (s *Simulation) EtaMax() [3]float64 {
	s.computeExtrema()
	return s.etaMax
}

// computeErrors fills the beta error cache for base, replacing any previous base
func (s *Simulation) computeErrors(base *Simulation) {
	if s.errBase == base && s.percentErr[model.X] != nil {
		return
	}
	beta := s.Beta()
	baseBeta := base.Beta()
	for _, axis := range model.Axes {
		errs := make([]float64, len(beta[axis]))
		for i, v := range beta[axis] {
			if i >= len(baseBeta[axis]) {
				errs[i] = math.NaN()
				continue
			}
			b := baseBeta[axis][i]
			errs[i] = math.Abs(v-b) / b
		}
		s.meanErr[axis] = utils.Mean(errs)
		s.worstErr[axis] = utils.WorstOf(errs)
		percent := make([]float64, len(errs))
		for i, e := range errs {
			percent[i] = 100 * e
		}
		s.percentErr[axis] = percent
	}
	s.errBase = base
}

// PercentBetaError returns 100*|beta - base|/base per axis at each node
func (s *Simulation) PercentBetaError(base *Simulation) [3][]float64 {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.computeErrors(base)
	return s.percentErr
}

// MeanBetaError returns the mean fractional beta error per axis, 0 with no nodes
func (s *Simulation) MeanBetaError(base *Simulation) [3]float64 {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.computeErrors(base)
	return s.meanErr
}

// WorstBetaError returns the largest fractional beta error per axis
func (s *Simulation) WorstBetaError(base *Simulation) [3]float64 {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.computeErrors(base)
	return s.worstErr
}

func (s *Simulation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Output kinetic energy: %g MeV\n", s.OutputKineticEnergy())
	fmt.Fprintf(&b, "Beta min: %v\n", s.BetaMin())
	fmt.Fprintf(&b, "Beta max: %v\n", s.BetaMax())
	fmt.Fprintf(&b, "Eta min: %v\n", s.EtaMin())
	fmt.Fprintf(&b, "Eta max: %v\n", s.EtaMax())
	return b.String()
}
