package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
)

// DataLabel is the label of the document root written by Write
const DataLabel = "OpticsTuner"

const (
	probeLabel     = "probe"
	twissLabel     = "twiss"
	storeLabel     = "parameterStore"
	optimizerLabel = "optimizer"
)

// ErrBeamlineMismatch is returned when a document was written for another beamline
var ErrBeamlineMismatch = errors.New("document belongs to a different beamline")

// Write stores the entrance probe, evaluation range, parameter settings and,
// when one exists, the optimizer's settings and best solution
func (m *Manager) Write(node *persist.Node) {
	m.mu.Lock()
	b, probe, evalRange, opt := m.beamline, m.probe, m.evalRange, m.optimizer
	m.mu.Unlock()
	if b == nil {
		return
	}

	node.SetString("beamline", b.ID)
	node.SetFloat("firstEvaluationPosition", evalRange[0])
	node.SetFloat("lastEvaluationPosition", evalRange[1])
	writeProbe(node.CreateChild(probeLabel), probe)
	m.store.WriteCoreParameters(node.CreateChild(storeLabel))
	if opt != nil {
		opt.Write(node.CreateChild(optimizerLabel))
	}
}

// Update restores a document written by Write for the current beamline. A
// stored solution is re-evaluated and becomes the optimizer's best solution.
func (m *Manager) Update(ctx context.Context, node *persist.Node) error {
	b := m.Beamline()
	if b == nil {
		return ErrNoBeamline
	}
	if id := node.Attr("beamline"); id != "" && id != b.ID {
		return fmt.Errorf("%w: %q, selected %q", ErrBeamlineMismatch, id, b.ID)
	}

	if child := node.Child(probeLabel); child != nil {
		probe, err := readProbe(child)
		if err != nil {
			return err
		}
		if err := m.SetEntranceProbe(probe); err != nil {
			return err
		}
	}
	if node.Has("firstEvaluationPosition") {
		first, err := node.Float("firstEvaluationPosition")
		if err != nil {
			return err
		}
		last, err := node.Float("lastEvaluationPosition")
		if err != nil {
			return err
		}
		if err := m.SetEvaluationRange(first, last); err != nil {
			return err
		}
	}
	if child := node.Child(storeLabel); child != nil {
		if err := m.store.UpdateCoreParameters(child); err != nil {
			return err
		}
	}
	if child := node.Child(optimizerLabel); child != nil {
		opt, err := m.Optimizer()
		if err != nil {
			return err
		}
		return opt.Update(ctx, child)
	}
	return nil
}

func writeProbe(node *persist.Node, p model.Probe) {
	node.SetString("species", p.Species)
	node.SetFloat("kineticEnergy", p.KineticEnergy)
	node.SetFloat("restEnergy", p.RestEnergy)
	node.SetFloat("charge", p.Charge)
	for _, axis := range model.Axes {
		t := node.CreateChild(twissLabel)
		t.SetString("coordinate", strings.ToLower(axis.String()))
		t.SetFloat("alpha", p.Twiss[axis].Alpha)
		t.SetFloat("beta", p.Twiss[axis].Beta)
		t.SetFloat("emittance", p.Twiss[axis].Emittance)
	}
}

func readProbe(node *persist.Node) (model.Probe, error) {
	p := model.Probe{Species: node.Attr("species")}
	var err error
	if p.KineticEnergy, err = node.Float("kineticEnergy"); err != nil {
		return p, err
	}
	if p.RestEnergy, err = node.Float("restEnergy"); err != nil {
		return p, err
	}
	if p.Charge, err = node.Float("charge"); err != nil {
		return p, err
	}
	for _, t := range node.ChildrenNamed(twissLabel) {
		axis, ok := parseAxis(t.Attr("coordinate"))
		if !ok {
			return p, fmt.Errorf("%w: probe twiss coordinate %q", persist.ErrMalformedDocument, t.Attr("coordinate"))
		}
		twiss := &p.Twiss[axis]
		if twiss.Alpha, err = t.Float("alpha"); err != nil {
			return p, err
		}
		if twiss.Beta, err = t.Float("beta"); err != nil {
			return p, err
		}
		if twiss.Emittance, err = t.Float("emittance"); err != nil {
			return p, err
		}
	}
	return p, nil
}

func parseAxis(name string) (model.Axis, bool) {
	for _, axis := range model.Axes {
		if strings.EqualFold(axis.String(), name) {
			return axis, true
		}
	}
	return 0, false
}
