package session

import (
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
)

// Variable is a search dimension backed by a variable-flagged core parameter.
// Values, initial value and limits are in the core's raw units.
type Variable struct {
	core    *params.CoreParameter
	nodeIDs []string
}

func newVariable(core *params.CoreParameter) *Variable {
	lives := core.LiveParameters()
	ids := make([]string, len(lives))
	for i, p := range lives {
		ids[i] = p.Node().ID()
	}
	return &Variable{core: core, nodeIDs: ids}
}

func (v *Variable) Name() string { return v.core.Name() }

func (v *Variable) Core() *params.CoreParameter { return v.core }

// Accessor is the engine property the variable drives
func (v *Variable) Accessor() string { return v.core.Adaptor().Accessor() }

// NodeIDs lists the nodes the variable's value is injected into
func (v *Variable) NodeIDs() []string { return append([]string(nil), v.nodeIDs...) }

func (v *Variable) InitialValue() float64 { return v.core.InitialValue() }
func (v *Variable) LowerLimit() float64 { return v.core.LowerLimit() }
func (v *Variable) UpperLimit() float64 { return v.core.UpperLimit() }
