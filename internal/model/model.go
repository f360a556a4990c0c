// Package model defines the physics engine boundary: the entrance probe, the
// per-element states of a propagated trajectory and the engine that produces them.
package model

import (
	"context"
	"strings"
)

// Axis indexes the transverse and longitudinal planes
type Axis int

const (
	X Axis = iota
	Y
	Z
)

// Axes lists all three planes in order
var Axes = [3]Axis{X, Y, Z}

func (a Axis) String() string {
	switch a {
	case X:
		return "X"
	case Y:
		return "Y"
	case Z:
		return "Z"
	default:
		return "?"
	}
}

// Twiss holds the Courant-Snyder parameters of one plane
type Twiss struct {
	Alpha     float64 `json:"alpha"`
	Beta      float64 `json:"beta"`
	Emittance float64 `json:"emittance"`
}

// Gamma returns (1+alpha^2)/beta
func (t Twiss) Gamma() float64 {
	return (1 + t.Alpha*t.Alpha) / t.Beta
}

// Probe is the beam condition fed to the engine at the sequence entrance.
// Energies are in eV.
type Probe struct {
	Species       string   `json:"species"`
	KineticEnergy float64  `json:"kinetic_energy"`
	RestEnergy    float64  `json:"rest_energy"`
	Charge        float64  `json:"charge"`
	Twiss         [3]Twiss `json:"twiss"`
}

// State is the beam at one element of a trajectory. Energies are in eV.
type State struct {
	ElementID     string
	Position      float64
	KineticEnergy float64
	RestEnergy    float64
	Charge        float64
	Twiss         [3]Twiss
	Dispersion    [2]float64
}

// Trajectory is the ordered list of states produced by one engine run
type Trajectory struct {
	States []State
}

// InitialState returns the first state, nil for an empty trajectory
func (t *Trajectory) InitialState() *State {
	if t == nil || len(t.States) == 0 {
		return nil
	}
	return &t.States[0]
}

// FinalState returns the last state, nil for an empty trajectory
func (t *Trajectory) FinalState() *State {
	if t == nil || len(t.States) == 0 {
		return nil
	}
	return &t.States[len(t.States)-1]
}

// StateForElement returns the first state whose element id starts with id
func (t *Trajectory) StateForElement(id string) *State {
	if t == nil {
		return nil
	}
	for i := range t.States {
		if strings.HasPrefix(t.States[i].ElementID, id) {
			return &t.States[i]
		}
	}
	return nil
}

// Calculator derives machine parameters from a state
type Calculator interface {
	Twiss(s *State) [3]Twiss
	Dispersion(s *State) [2]float64
}

// StateCalculator reads the machine parameters the engine stored on each state
type StateCalculator struct{}

func (StateCalculator) Twiss(s *State) [3]Twiss {
	return s.Twiss
}

func (StateCalculator) Dispersion(s *State) [2]float64 {
	return s.Dispersion
}

// Node properties an engine accepts as model inputs
const (
	PropertyField     = "field"
	PropertyAmplitude = "amplitude"
	PropertyPhase     = "phase"
)

// InputKey addresses one transient engine input: a property of a lattice node.
type InputKey struct {
	NodeID   string
	Property string
}

func (k InputKey) String() string {
	return k.NodeID + "." + k.Property
}

// Engine propagates a probe through a lattice. Model inputs override the design
// values of node properties for subsequent runs until removed; they never alter
// the static lattice.
type Engine interface {
	Probe() Probe
	SetProbe(p Probe)
	// ResetProbe restores the probe to the state last passed to SetProbe.
	ResetProbe()
	// SyncDesign re-reads the design values of every node.
	SyncDesign() error
	SetModelInput(key InputKey, value float64)
	RemoveModelInput(key InputKey)
	// ModelInputs returns a snapshot of the current overrides.
	ModelInputs() map[InputKey]float64
	Run(ctx context.Context) (*Trajectory, error)
}
