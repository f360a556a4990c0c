package device

import (
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
)

// OpticsChange is a parameter whose initial value departs from design
type OpticsChange struct {
	NodeID   string
	Kind     Kind
	Property string
	Value    float64
}

// OpticsChanges lists the changed parameters of the agents, in agent order
func OpticsChanges(agents []*Agent) []OpticsChange {
	var changes []OpticsChange
	for _, a := range agents {
		for _, p := range a.LiveParameters() {
			if p.InitialValue() == p.DesignValue() {
				continue
			}
			changes = append(changes, OpticsChange{
				NodeID:   a.ID(),
				Kind:     a.Kind(),
				Property: p.Adaptor().Accessor(),
				Value:    p.InitialValue(),
			})
		}
	}
	return changes
}

// ExportOpticsChanges writes one child per changed node under root, with the
// changed properties as attributes of an "attributes" child.
func ExportOpticsChanges(root *persist.Node, agents []*Agent) int {
	var current *persist.Node
	currentID := ""
	changes := OpticsChanges(agents)
	for _, c := range changes {
		if current == nil || currentID != c.NodeID {
			node := root.CreateChild(c.Kind.String())
			node.SetString("id", c.NodeID)
			current = node.CreateChild("attributes")
			currentID = c.NodeID
		}
		current.SetFloat(c.Property, c.Value)
	}
	return len(changes)
}
