package params

import (
	"fmt"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
)

const coreParameterLabel = "coreParameter"

// WriteCoreParameters stores each core's user settings as a child of node
func (s *Store) WriteCoreParameters(node *persist.Node) {
	for _, core := range s.CoreParameters() {
		s.mu.RLock()
		child := node.CreateChild(coreParameterLabel)
		child.SetString("name", core.name)
		child.SetString("source", core.source.String())
		child.SetFloat("customValue", core.customValue)
		child.SetFloat("customLower", core.customLimits[0])
		child.SetFloat("customUpper", core.customLimits[1])
		child.SetBool("variable", core.variable)
		s.mu.RUnlock()
	}
}

// UpdateCoreParameters restores settings written by WriteCoreParameters.
// Entries for unknown cores are skipped.
func (s *Store) UpdateCoreParameters(node *persist.Node) error {
	for _, child := range node.ChildrenNamed(coreParameterLabel) {
		core, ok := s.CoreParameter(child.Attr("name"))
		if !ok {
			continue
		}
		if err := restoreCore(core, child); err != nil {
			return fmt.Errorf("core parameter %s: %w", core.name, err)
		}
	}
	return nil
}

func restoreCore(core *CoreParameter, n *persist.Node) error {
	lower, err := n.Float("customLower")
	if err != nil {
		return err
	}
	upper, err := n.Float("customUpper")
	if err != nil {
		return err
	}
	value, err := n.Float("customValue")
	if err != nil {
		return err
	}
	variable, err := n.Bool("variable")
	if err != nil {
		return err
	}
	src, err := ParseSource(n.Attr("source"))
	if err != nil {
		return err
	}

	if err := core.SetCustomLimits([2]float64{lower, upper}); err != nil {
		return err
	}
	if err := core.SetCustomValue(value); err != nil {
		return err
	}
	if err := core.SetIsVariable(variable); err != nil {
		return err
	}
	return core.SetActiveSource(src)
}
