package manager

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/device"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/online"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
)

const exportTimeLayout = "Jan 02, 2006 15:04:05"

// exportValue is the parameter's physical value, taken from valueMap (raw,
// keyed by core name) when present there
func exportValue(p *params.LiveParameter, valueMap map[string]float64) float64 {
	if p == nil {
		return 0
	}
	if raw, ok := valueMap[p.Core().Name()]; ok {
		return p.Adaptor().ToPhysical(p.Node(), raw)
	}
	return p.InitialValue()
}

// ExportParameters writes the quadrupole fields and the cavity amplitudes
// and phases, overridden by valueMap
func (m *Manager) ExportParameters(w io.Writer, valueMap map[string]float64) error {
	var b strings.Builder
	b.WriteString("\n##########\n# Quadrupoles\n# Quad\tField(T/m)\n")
	for _, a := range m.AgentsOfKind(device.KindQuadrupole) {
		fmt.Fprintf(&b, "%s\t%g\n", a.ID(), exportValue(a.FieldParameter(), valueMap))
	}
	b.WriteString("\n##########\n# RF Cavities\n# Cavity\tAmplitude(MV/m)\tPhase(degrees)\tAverage Phase(degrees)\n")
	for _, a := range m.AgentsOfKind(device.KindRFCavity) {
		amplitude := exportValue(a.AmplitudeParameter(), valueMap)
		phase := exportValue(a.PhaseParameter(), valueMap)
		average := device.ToAveragePhase(a.Spec(), phase, amplitude)
		fmt.Fprintf(&b, "%s\t%g\t%g\t%g\n", a.ID(), amplitude, phase, average)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ExportInitialParameters writes the current initial values
func (m *Manager) ExportInitialParameters(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# Current parameters\n\nExported:  %s\n", m.now().Format(exportTimeLayout)); err != nil {
		return err
	}
	return m.ExportParameters(w, nil)
}

// CanExportOptimalResults reports whether a scored solution exists
func (m *Manager) CanExportOptimalResults() bool {
	m.mu.Lock()
	opt := m.optimizer
	m.mu.Unlock()
	return opt != nil && opt.CanExportObjectiveResults()
}

// ExportOptimalResults writes the objective results and the parameter
// values of the best solution
func (m *Manager) ExportOptimalResults(w io.Writer) error {
	opt, err := m.Optimizer()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# Optimal results\n\nExported:  %s\n", m.now().Format(exportTimeLayout)); err != nil {
		return err
	}
	if err := opt.ExportObjectiveResults(w); err != nil {
		return err
	}
	return m.ExportParameters(w, opt.BestVariableValues())
}

// ExportTwiss writes position, energy, beta and dispersion at every
// evaluation node of the best solution's simulation
func (m *Manager) ExportTwiss(w io.Writer) error {
	opt, err := m.Optimizer()
	if err != nil {
		return err
	}
	sim := opt.BestSimulation()
	if sim == nil {
		return ErrNoSimulation
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Twiss Exported:  %s\n", m.now().Format(exportTimeLayout))
	fmt.Fprintf(&b, "# Initial Kinetic Energy:  %g\n", m.EntranceProbe().KineticEnergy*simulation.MeVPerEV)
	b.WriteString("# Units:  Position: meters, Energy:  MeV, Beta: meters, Eta: meters\n")
	b.WriteString("# Element\tPosition\tKinetic Energy\tBeta x\tBeta y\tBeta z\tEta x\tEta y\n\n")

	ids := sim.EvaluationElementIDs()
	positions := sim.Positions()
	kinetic := sim.KineticEnergy()
	beta, eta := sim.Beta(), sim.Eta()
	for i := range positions {
		fmt.Fprintf(&b, "%s\t%g\t%g", ids[i], positions[i], kinetic[i])
		for _, axis := range model.Axes {
			fmt.Fprintf(&b, "\t%g", beta[axis][i])
		}
		fmt.Fprintf(&b, "\t%g\t%g\n", eta[model.X][i], eta[model.Y][i])
	}
	_, err = io.WriteString(w, b.String())
	return err
}

// ExportOpticsChanges writes every parameter whose initial value departs
// from design as a document of node attributes
func (m *Manager) ExportOpticsChanges(w io.Writer) (int, error) {
	b := m.Beamline()
	if b == nil {
		return 0, ErrNoBeamline
	}
	root := persist.NewDocument("optics")
	root.SetString("beamline", b.ID)
	n := device.ExportOpticsChanges(root, m.Agents())
	return n, persist.Encode(w, root)
}

// ExportModelParameters runs the current settings with cavities and markers
// as evaluation nodes and writes Twiss and location records for each
func (m *Manager) ExportModelParameters(ctx context.Context, w io.Writer) error {
	m.mu.Lock()
	b, probe := m.beamline, m.probe
	m.mu.Unlock()
	if b == nil {
		return ErrNoBeamline
	}

	var ids []string
	for _, n := range b.Nodes {
		if n.Type == config.NodeRFCavity || n.Type == config.NodeMarker {
			ids = append(ids, n.ID)
		}
	}
	sim, err := online.New(m.newEngine(b), ids, probe, m.simulatorOptions()...).
		RunWithCurrentValues(ctx, m.nonDesignCores())
	if err != nil {
		return err
	}

	root := persist.NewDocument("modelparams")
	root.SetString("beamline", b.ID)
	alpha, beta, emittance := sim.Alpha(), sim.Beta(), sim.Emittance()
	kinetic, charge := sim.KineticEnergy(), sim.SpeciesCharge()
	for i, id := range sim.EvaluationNodeIDs() {
		for _, axis := range model.Axes {
			twiss := root.CreateChild("twiss")
			twiss.SetString("name", id)
			twiss.SetString("coordinate", strings.ToLower(axis.String()))
			twiss.SetFloat("alpha", alpha[axis][i])
			twiss.SetFloat("beta", beta[axis][i])
			twiss.SetFloat("emittance", emittance[axis][i])
		}
		location := root.CreateChild("location")
		location.SetString("name", id)
		location.SetFloat("W", kinetic[i]/simulation.MeVPerEV)
		location.SetFloat("charge", charge[i])
		location.SetString("species", probe.Species)
	}
	return persist.Encode(w, root)
}
