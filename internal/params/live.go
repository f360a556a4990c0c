package params

import (
	"math"

	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

// LiveParameter is one node's view of a core parameter. Getters and setters
// use the node's physical units; the core keeps raw control units.
type LiveParameter struct {
	id      int
	store   *Store
	core    *CoreParameter
	node    Node
	adaptor TypeAdaptor

	designValue  float64
	designLimits [2]float64

	// monitored device state, raw units
	controlValue      float64
	readbackValue     float64
	controlLimits     [2]float64
	hasControlLimits  bool
	controlConnected  bool
	readbackConnected bool
}

func newLiveParameter(id int, store *Store, core *CoreParameter, node Node, adaptor TypeAdaptor) *LiveParameter {
	design := adaptor.DesignValue(node)
	return &LiveParameter{
		id:            id,
		store:         store,
		core:          core,
		node:          node,
		adaptor:       adaptor,
		designValue:   design,
		designLimits:  orderedLimits(adaptor.DesignLimits(node, design)),
		controlValue:  math.NaN(),
		readbackValue: math.NaN(),
	}
}

func (p *LiveParameter) ID() int { return p.id }
func (p *LiveParameter) Core() *CoreParameter { return p.core }
func (p *LiveParameter) Node() Node { return p.node }
func (p *LiveParameter) Adaptor() TypeAdaptor { return p.adaptor }
func (p *LiveParameter) Position() float64 { return p.node.Position() }
func (p *LiveParameter) DesignValue() float64 { return p.designValue }
func (p *LiveParameter) DesignLimits() [2]float64 { return p.designLimits }

// Name is "<node id>:<kind>", e.g. "MEBT_Mag:QH01:Field"
func (p *LiveParameter) Name() string {
	return p.node.ID() + ":" + p.adaptor.Name()
}

func (p *LiveParameter) toPhysical(raw float64) float64 {
	return p.adaptor.ToPhysical(p.node, raw)
}

func (p *LiveParameter) toRaw(physical float64) float64 {
	return p.adaptor.ToRaw(p.node, physical)
}

// flipsSign reports whether the raw conversion reverses ordering, in which
// case physical lower limits map to raw upper limits.
func (p *LiveParameter) flipsSign() bool {
	return p.toRaw(1) < p.toRaw(0)
}

func (p *LiveParameter) physicalLimits(raw [2]float64) [2]float64 {
	return utils.OrderedPair(p.toPhysical(raw[0]), p.toPhysical(raw[1]))
}

func (p *LiveParameter) rawDesignValue() float64 {
	return p.toRaw(p.designValue)
}

func (p *LiveParameter) rawDesignLimits() [2]float64 {
	return utils.OrderedPair(p.toRaw(p.designLimits[0]), p.toRaw(p.designLimits[1]))
}

func (p *LiveParameter) ActiveSource() Source { return p.core.ActiveSource() }
func (p *LiveParameter) IsVariable() bool { return p.core.IsVariable() }

func (p *LiveParameter) InitialValue() float64 {
	return p.toPhysical(p.core.InitialValue())
}

func (p *LiveParameter) CustomValue() float64 {
	return p.toPhysical(p.core.CustomValue())
}

func (p *LiveParameter) CustomLimits() [2]float64 {
	return p.physicalLimits(p.core.CustomLimits())
}

func (p *LiveParameter) LowerLimit() float64 {
	return p.limits()[0]
}

func (p *LiveParameter) UpperLimit() float64 {
	return p.limits()[1]
}

func (p *LiveParameter) limits() [2]float64 {
	p.store.mu.RLock()
	raw := [2]float64{p.core.lower, p.core.upper}
	p.store.mu.RUnlock()
	return p.physicalLimits(raw)
}

// ControlValue is the last monitored set point in physical units, NaN before any update
func (p *LiveParameter) ControlValue() float64 {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return p.toPhysical(p.controlValue)
}

func (p *LiveParameter) ReadbackValue() float64 {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return p.toPhysical(p.readbackValue)
}

// ControlLimits returns the device limits in physical units and whether any were reported
func (p *LiveParameter) ControlLimits() ([2]float64, bool) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	if !p.hasControlLimits {
		return [2]float64{}, false
	}
	return p.physicalLimits(p.controlLimits), true
}

func (p *LiveParameter) IsControlConnected() bool {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return p.controlConnected
}

func (p *LiveParameter) IsReadbackConnected() bool {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return p.readbackConnected
}

// SetActiveSource switches the shared core's source
func (p *LiveParameter) SetActiveSource(src Source) error {
	return p.core.SetActiveSource(src)
}

func (p *LiveParameter) SetIsVariable(variable bool) error {
	return p.core.SetIsVariable(variable)
}

// SetInitialValue sets the starting point of the next optimization. Outside
// the Custom source the value is clamped to the current limits.
func (p *LiveParameter) SetInitialValue(v float64) error {
	return p.store.mutate(func() []CoreEvent {
		if p.core.source != SourceCustom {
			limits := p.physicalLimits([2]float64{p.core.lower, p.core.upper})
			v = utils.ClampFloat64(v, limits[0], limits[1])
		}
		return p.core.setInitialValue(p.toRaw(v))
	})
}

func (p *LiveParameter) SetCustomValue(v float64) error {
	return p.store.mutate(func() []CoreEvent {
		return p.core.setCustomValue(p.toRaw(v))
	})
}

// SetCustomLimits accepts the limits in either order
func (p *LiveParameter) SetCustomLimits(lower, upper float64) error {
	return p.store.mutate(func() []CoreEvent {
		raw := utils.OrderedPair(p.toRaw(lower), p.toRaw(upper))
		return p.core.setCustomLimits(raw)
	})
}

func (p *LiveParameter) SetLowerLimit(v float64) error {
	return p.store.mutate(func() []CoreEvent {
		if p.flipsSign() {
			return p.core.setUpperLimit(p.toRaw(v))
		}
		return p.core.setLowerLimit(p.toRaw(v))
	})
}

func (p *LiveParameter) SetUpperLimit(v float64) error {
	return p.store.mutate(func() []CoreEvent {
		if p.flipsSign() {
			return p.core.setLowerLimit(p.toRaw(v))
		}
		return p.core.setUpperLimit(p.toRaw(v))
	})
}

// SetRelativeCustomLimits sets the custom limits to the custom value
// plus or minus the given fraction of its magnitude.
func (p *LiveParameter) SetRelativeCustomLimits(fraction float64) error {
	v := p.CustomValue()
	delta := math.Abs(v * fraction)
	return p.SetCustomLimits(v-delta, v+delta)
}

// CopyDesignToCustom resets the custom value and limits to the design
func (p *LiveParameter) CopyDesignToCustom() error {
	return p.store.mutate(func() []CoreEvent {
		events := p.core.setCustomLimits(p.rawDesignLimits())
		return append(events, p.core.setCustomValue(p.rawDesignValue())...)
	})
}

// CopyControlToCustom copies the monitored set point into the custom value.
// It reports false when the control channel is disconnected or has no value.
func (p *LiveParameter) CopyControlToCustom() (bool, error) {
	copied := false
	err := p.store.mutate(func() []CoreEvent {
		if !p.controlConnected || math.IsNaN(p.controlValue) {
			return nil
		}
		copied = true
		return p.core.setCustomValue(p.controlValue)
	})
	return copied, err
}

// CopyControlLimitsToCustom reports false when the device has not reported limits
func (p *LiveParameter) CopyControlLimitsToCustom() (bool, error) {
	copied := false
	err := p.store.mutate(func() []CoreEvent {
		if !p.hasControlLimits {
			return nil
		}
		copied = true
		return p.core.setCustomLimits(p.controlLimits)
	})
	return copied, err
}

// UpdateControlValue records a monitored set point in raw units. A core on
// the Control source follows it unless the store is frozen.
func (p *LiveParameter) UpdateControlValue(raw float64) {
	p.store.monitor(func() []CoreEvent {
		p.controlValue = raw
		if !p.store.frozen && p.isPrimary() && p.core.source == SourceControl {
			return p.core.setInitialValue(raw)
		}
		return nil
	})
}

func (p *LiveParameter) UpdateReadbackValue(raw float64) {
	p.store.monitor(func() []CoreEvent {
		p.readbackValue = raw
		return nil
	})
}

// UpdateControlLimits records the device's drive limits in raw units
func (p *LiveParameter) UpdateControlLimits(lower, upper float64) {
	p.store.monitor(func() []CoreEvent {
		p.controlLimits = utils.OrderedPair(lower, upper)
		p.hasControlLimits = true
		if !p.store.frozen && p.isPrimary() && p.core.source == SourceControl {
			events := p.core.setLowerLimit(p.controlLimits[0])
			return append(events, p.core.setUpperLimit(p.controlLimits[1])...)
		}
		return nil
	})
}

func (p *LiveParameter) SetControlConnected(connected bool) {
	p.store.monitor(func() []CoreEvent {
		p.controlConnected = connected
		return nil
	})
}

func (p *LiveParameter) SetReadbackConnected(connected bool) {
	p.store.monitor(func() []CoreEvent {
		p.readbackConnected = connected
		return nil
	})
}

func (p *LiveParameter) isPrimary() bool {
	return len(p.core.lives) > 0 && p.core.lives[0] == p
}

func orderedLimits(l [2]float64) [2]float64 {
	return utils.OrderedPair(l[0], l[1])
}
