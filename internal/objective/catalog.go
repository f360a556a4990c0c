package objective

import (
	"errors"
	"fmt"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
)

// ErrUnknownObjective is returned when a name matches no catalog objective.
var ErrUnknownObjective = errors.New("unknown objective")

const objectiveLabel = "objective"

// Catalog builds the fixed objective set, all disabled: energy, beta max and
// min per axis, transverse eta max and min, and beta mean and worst error per axis.
func Catalog() []*Objective {
	objs := []*Objective{NewEnergyTarget(0, 0)}
	for _, axis := range model.Axes {
		objs = append(objs, NewBetaMax(axis, 0, 0))
	}
	for _, axis := range model.Axes {
		objs = append(objs, NewBetaMin(axis, 0, 0))
	}
	for _, axis := range []model.Axis{model.X, model.Y} {
		objs = append(objs, NewEtaMax(axis, 0, 0))
	}
	for _, axis := range []model.Axis{model.X, model.Y} {
		objs = append(objs, NewEtaMin(axis, 0, 0))
	}
	for _, axis := range model.Axes {
		objs = append(objs, NewBetaMeanError(axis, errorTolerance))
	}
	for _, axis := range model.Axes {
		objs = append(objs, NewBetaWorstError(axis, errorTolerance))
	}
	return objs
}

// Find returns the objective with the given name
func Find(objs []*Objective, name string) (*Objective, bool) {
	for _, o := range objs {
		if o.Name() == name {
			return o, true
		}
	}
	return nil, false
}

// ApplyConfig overrides catalog objectives with the configured settings
func ApplyConfig(objs []*Objective, cfgs []config.ObjectiveConfig) error {
	for _, c := range cfgs {
		o, ok := Find(objs, c.Name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownObjective, c.Name)
		}
		target, tolerance := o.Target(), o.Tolerance()
		if c.Target != nil {
			target = *c.Target
		}
		if c.Tolerance != nil {
			tolerance = *c.Tolerance
		}
		o.SetSettings(target, tolerance)
		if c.Enabled != nil {
			o.SetEnabled(*c.Enabled)
		}
	}
	return nil
}

// Write stores each objective's settings as a child of node
func Write(node *persist.Node, objs []*Objective) {
	for _, o := range objs {
		child := node.CreateChild(objectiveLabel)
		child.SetString("name", o.Name())
		child.SetBool("enabled", o.Enabled())
		child.SetFloat("target", o.Target())
		child.SetFloat("tolerance", o.Tolerance())
	}
}

// Update restores settings written by Write. Unknown names are skipped.
func Update(node *persist.Node, objs []*Objective) error {
	for _, child := range node.ChildrenNamed(objectiveLabel) {
		o, ok := Find(objs, child.Attr("name"))
		if !ok {
			continue
		}
		enabled, err := child.Bool("enabled")
		if err != nil {
			return fmt.Errorf("objective %s: %w", o.Name(), err)
		}
		target, err := child.Float("target")
		if err != nil {
			return fmt.Errorf("objective %s: %w", o.Name(), err)
		}
		tolerance, err := child.Float("tolerance")
		if err != nil {
			return fmt.Errorf("objective %s: %w", o.Name(), err)
		}
		o.SetSettings(target, tolerance)
		o.SetEnabled(enabled)
	}
	return nil
}
