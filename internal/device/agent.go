// Package device wraps beamline nodes as agents that own live parameters,
// converts between control and physical units, and talks to the control system.
package device

import (
	"fmt"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
)

// Kind is the closed set of tunable node kinds
type Kind int

const (
	KindQuadrupole Kind = iota
	KindBend
	KindDipoleCorrector
	KindRFCavity
)

func (k Kind) String() string {
	switch k {
	case KindQuadrupole:
		return "quadrupole"
	case KindBend:
		return "bend"
	case KindDipoleCorrector:
		return "dipole_corrector"
	case KindRFCavity:
		return "rf_cavity"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindOf maps a lattice node type to an agent kind. Markers and unknown types
// have no tunable parameters.
func KindOf(nodeType string) (Kind, bool) {
	switch nodeType {
	case config.NodeQuad:
		return KindQuadrupole, true
	case config.NodeBend:
		return KindBend, true
	case config.NodeHCorr, config.NodeVCorr:
		return KindDipoleCorrector, true
	case config.NodeRFCavity:
		return KindRFCavity, true
	}
	return 0, false
}

// Agent wraps one lattice node and the live parameters it populated.
// It implements params.Node.
type Agent struct {
	spec  config.NodeSpec
	kind  Kind
	lives []*params.LiveParameter
}

// NewAgent returns nil, false for nodes without tunable parameters
func NewAgent(spec config.NodeSpec) (*Agent, bool) {
	kind, ok := KindOf(spec.Type)
	if !ok {
		return nil, false
	}
	return &Agent{spec: spec, kind: kind}, true
}

// AgentsForBeamline builds agents for every enabled tunable node, in lattice order
func AgentsForBeamline(b *config.Beamline) []*Agent {
	var agents []*Agent
	for _, n := range b.Nodes {
		if n.Disabled {
			continue
		}
		if a, ok := NewAgent(n); ok {
			agents = append(agents, a)
		}
	}
	return agents
}

func (a *Agent) ID() string { return a.spec.ID }
func (a *Agent) Position() float64 { return a.spec.Position }
func (a *Agent) Kind() Kind { return a.kind }
func (a *Agent) Spec() config.NodeSpec { return a.spec }

func (a *Agent) IsMagnet() bool {
	return a.kind != KindRFCavity
}

// PopulateLiveParameters registers the agent's parameters: a field for
// magnets, amplitude then phase for cavities.
func (a *Agent) PopulateLiveParameters(store *params.Store) error {
	adaptors := []params.TypeAdaptor{FieldAdaptor}
	if a.kind == KindRFCavity {
		adaptors = []params.TypeAdaptor{AmplitudeAdaptor, PhaseAdaptor}
	}

	a.lives = a.lives[:0]
	for _, adaptor := range adaptors {
		p, err := store.AddLiveParameter(a, adaptor)
		if err != nil {
			return fmt.Errorf("populate %s: %w", a.spec.ID, err)
		}
		a.lives = append(a.lives, p)
	}
	return nil
}

// LiveParameters returns the parameters in population order
func (a *Agent) LiveParameters() []*params.LiveParameter {
	return a.lives
}

// FieldParameter is nil for cavities or before population
func (a *Agent) FieldParameter() *params.LiveParameter {
	if !a.IsMagnet() || len(a.lives) < 1 {
		return nil
	}
	return a.lives[0]
}

func (a *Agent) AmplitudeParameter() *params.LiveParameter {
	if a.kind != KindRFCavity || len(a.lives) < 2 {
		return nil
	}
	return a.lives[0]
}

func (a *Agent) PhaseParameter() *params.LiveParameter {
	if a.kind != KindRFCavity || len(a.lives) < 2 {
		return nil
	}
	return a.lives[1]
}

// specOf recovers the lattice node behind a params.Node
func specOf(n params.Node) config.NodeSpec {
	if s, ok := n.(interface{ Spec() config.NodeSpec }); ok {
		return s.Spec()
	}
	return config.NodeSpec{ID: n.ID(), Position: n.Position()}
}
