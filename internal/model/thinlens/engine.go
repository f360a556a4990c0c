// Package thinlens is a linear-optics reference engine: thin quadrupoles, sector
// bends and thin RF gaps with adiabatic damping, transported with gonum matrices.
package thinlens

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
)

// ErrBeamLost is returned when the reference particle is decelerated to rest.
var ErrBeamLost = errors.New("beam lost: kinetic energy dropped to zero")

// Engine implements model.Engine over a config.Beamline
type Engine struct {
	mu       sync.Mutex
	beamline *config.Beamline
	nodes    []config.NodeSpec
	design   map[model.InputKey]float64
	inputs   map[model.InputKey]float64
	entrance model.Probe
	probe    model.Probe
}

var _ model.Engine = (*Engine)(nil)

// New creates an engine for the beamline with the lattice entrance probe
func New(b *config.Beamline) *Engine {
	nodes := make([]config.NodeSpec, len(b.Nodes))
	copy(nodes, b.Nodes)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Position < nodes[j].Position })

	e := &Engine{
		beamline: b,
		nodes:    nodes,
		inputs:   make(map[model.InputKey]float64),
		design:   designValues(nodes),
	}
	e.SetProbe(ProbeFromSpec(b.Probe))
	return e
}

// ProbeFromSpec converts a lattice probe description into an engine probe
func ProbeFromSpec(spec config.ProbeSpec) model.Probe {
	p := model.Probe{
		Species:       spec.Species,
		KineticEnergy: spec.KineticEnergy,
		RestEnergy:    spec.RestEnergy,
		Charge:        spec.Charge,
	}
	for i := 0; i < len(spec.Twiss) && i < 3; i++ {
		p.Twiss[i] = model.Twiss{
			Alpha:     spec.Twiss[i].Alpha,
			Beta:      spec.Twiss[i].Beta,
			Emittance: spec.Twiss[i].Emittance,
		}
	}
	return p
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

// SyncDesign re-reads the lattice design values. It never fails.
func (e *Engine) SyncDesign() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.design = designValues(e.nodes)
	return nil
}

func designValues(nodes []config.NodeSpec) map[model.InputKey]float64 {
	design := make(map[model.InputKey]float64, len(nodes))
	for _, n := range nodes {
		switch {
		case n.IsMagnet():
			design[model.InputKey{NodeID: n.ID, Property: model.PropertyField}] = n.Field
		case n.Type == config.NodeRFCavity:
			design[model.InputKey{NodeID: n.ID, Property: model.PropertyAmplitude}] = n.Amplitude
			design[model.InputKey{NodeID: n.ID, Property: model.PropertyPhase}] = n.Phase
		}
	}
	return design
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

func (e *Engine) value(n config.NodeSpec, property string) float64 {
	key := model.InputKey{NodeID: n.ID, Property: property}
	if v, ok := e.inputs[key]; ok {
		return v
	}
	return e.design[key]
}

// tracker carries the beam between elements
type tracker struct {
	pos        float64
	kinetic    float64
	rest       float64
	charge     float64
	twiss      [3]model.Twiss
	dispersion [2][2]float64
	states     []model.State
}

func (t *tracker) record(id string) {
	t.states = append(t.states, model.State{
		ElementID:     id,
		Position:      t.pos,
		KineticEnergy: t.kinetic,
		RestEnergy:    t.rest,
		Charge:        t.charge,
		Twiss:         t.twiss,
		Dispersion:    [2]float64{t.dispersion[0][0], t.dispersion[1][0]},
	})
}

// apply transports every plane; mx carries the horizontal dispersion matrix when non-nil
func (t *tracker) apply(mx, my, mz *mat.Dense, dx *mat.Dense) {
	t.twiss[model.X] = transportTwiss(t.twiss[model.X], mx)
	t.twiss[model.Y] = transportTwiss(t.twiss[model.Y], my)
	t.twiss[model.Z] = transportTwiss(t.twiss[model.Z], mz)
	if dx == nil {
		dx = embed(mx)
	}
	t.dispersion[0] = transportDispersion(t.dispersion[0], dx)
	t.dispersion[1] = transportDispersion(t.dispersion[1], embed(my))
}

func (t *tracker) driftTo(position float64) {
	length := position - t.pos
	if length <= 0 {
		return
	}
	g := gammaOf(t.kinetic, t.rest)
	t.apply(drift(length), drift(length), drift(length/(g*g)), nil)
	t.pos = position
}

// Run propagates the current probe through the lattice
func (e *Engine) Run(ctx context.Context) (*model.Trajectory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.probe
	if p.RestEnergy <= 0 || p.KineticEnergy <= 0 {
		return nil, fmt.Errorf("invalid probe: kinetic %v eV, rest %v eV", p.KineticEnergy, p.RestEnergy)
	}

	t := &tracker{
		kinetic: p.KineticEnergy,
		rest:    p.RestEnergy,
		charge:  p.Charge,
		twiss:   p.Twiss,
	}
	t.record("BEGIN_" + e.beamline.ID)

	for _, n := range e.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.propagate(t, n); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
	}

	if e.beamline.Length > t.pos {
		t.driftTo(e.beamline.Length)
	}
	t.record("END_" + e.beamline.ID)

	return &model.Trajectory{States: t.states}, nil
}

func (e *Engine) propagate(t *tracker, n config.NodeSpec) error {
	center := n.Position + n.Length/2
	if n.Disabled || n.Type == config.NodeMarker || n.Type == config.NodeHCorr || n.Type == config.NodeVCorr {
		// correctors steer the orbit only and leave the optics untouched
		t.driftTo(center)
		t.record(n.ID)
		return nil
	}

	switch n.Type {
	case config.NodeQuad:
		t.driftTo(center)
		pc := momentum(t.kinetic, t.rest)
		k := t.charge * e.value(n, model.PropertyField) * SpeedOfLight / pc * n.Length
		t.apply(thinLens(k), thinLens(-k), mat.NewDense(2, 2, []float64{1, 0, 0, 1}), nil)
		t.record(n.ID)

	case config.NodeBend:
		t.driftTo(n.Position)
		pc := momentum(t.kinetic, t.rest)
		angle := t.charge * e.value(n, model.PropertyField) * n.Length * SpeedOfLight / pc
		half := n.Length / 2
		mx, dx := sector(half, angle/2)
		g := gammaOf(t.kinetic, t.rest)
		t.apply(mx, drift(half), drift(half/(g*g)), dx)
		t.pos = center
		t.record(n.ID)
		t.apply(mx, drift(half), drift(half/(g*g)), dx)
		t.pos = n.Position + n.Length

	case config.NodeRFCavity:
		return e.propagateCavity(t, n)
	}
	return nil
}

func (e *Engine) propagateCavity(t *tracker, n config.NodeSpec) error {
	amplitude := e.value(n, model.PropertyAmplitude)
	phase := e.value(n, model.PropertyPhase)
	gaps := n.Gaps
	if len(gaps) == 0 {
		gaps = []config.GapSpec{{Length: n.Length, AmpFactor: 1}}
	}
	lambda := SpeedOfLight / (n.Frequency * 1e6)

	for i, gap := range gaps {
		t.driftTo(n.Position + n.Length*(float64(i)+0.5)/float64(len(gaps)))

		voltage := amplitude * 1e6 * gap.AmpFactor * gap.Length
		phi := (phase + gap.PhaseSlip) * math.Pi / 180
		q := math.Abs(t.charge)

		bgIn := betaGamma(t.kinetic, t.rest)
		g := gammaOf(t.kinetic, t.rest)
		beta := bgIn / g
		kz := -2 * math.Pi * q * voltage * math.Sin(phi) / (t.rest * beta * beta * g * g * g * lambda)
		kt := -kz / 2

		t.kinetic += q * voltage * math.Cos(phi)
		if t.kinetic <= 0 || math.IsNaN(t.kinetic) {
			return ErrBeamLost
		}
		ratio := bgIn / betaGamma(t.kinetic, t.rest)

		var mx, my, mz mat.Dense
		mx.Mul(damping(ratio), thinLens(kt))
		my.Mul(damping(ratio), thinLens(kt))
		mz.Mul(damping(ratio), thinLens(kz))
		t.apply(&mx, &my, &mz, nil)
		t.record(fmt.Sprintf("%s:g%d", n.ID, i))
	}
	t.driftTo(n.Position + n.Length)
	return nil
}
