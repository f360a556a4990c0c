package params

import (
	"math"

	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

// CoreParameter is the state shared by every live parameter on one control
// identity (for example all magnets on one power supply). Values are held in
// raw control units. All fields are guarded by the owning store's lock.
type CoreParameter struct {
	id      int
	store   *Store
	name    string
	adaptor TypeAdaptor

	source       Source
	customValue  float64
	customLimits [2]float64
	initial      float64
	lower        float64
	upper        float64
	variable     bool

	lives     []*LiveParameter
	listeners listenerSet[CoreEvent]
}

// ID returns the arena index of the core parameter
func (c *CoreParameter) ID() int { return c.id }

// Name returns the control identity the core is keyed by
func (c *CoreParameter) Name() string { return c.name }

// Adaptor returns the parameter kind
func (c *CoreParameter) Adaptor() TypeAdaptor { return c.adaptor }

func (c *CoreParameter) ActiveSource() Source {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.source
}

func (c *CoreParameter) CustomValue() float64 {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.customValue
}

func (c *CoreParameter) CustomLimits() [2]float64 {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.customLimits
}

func (c *CoreParameter) InitialValue() float64 {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.initial
}

func (c *CoreParameter) LowerLimit() float64 {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.lower
}

func (c *CoreParameter) UpperLimit() float64 {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.upper
}

func (c *CoreParameter) IsVariable() bool {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.variable
}

// LiveParameters returns the live parameters sharing this core, in insertion order
func (c *CoreParameter) LiveParameters() []*LiveParameter {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	out := make([]*LiveParameter, len(c.lives))
	copy(out, c.lives)
	return out
}

// Subscribe registers fn for changes to this core and immediately replays the
// current state to it. The returned func unsubscribes.
func (c *CoreParameter) Subscribe(fn func(CoreEvent)) func() {
	c.store.mu.Lock()
	id := c.listeners.add(fn)
	c.store.mu.Unlock()

	for _, kind := range []EventKind{
		EventVariableChanged,
		EventCustomValueChanged,
		EventCustomLimitsChanged,
		EventInitialValueChanged,
		EventLowerLimitChanged,
		EventUpperLimitChanged,
		EventSourceChanged,
	} {
		fn(CoreEvent{Kind: kind, Core: c})
	}

	return func() {
		c.store.mu.Lock()
		defer c.store.mu.Unlock()
		c.listeners.remove(id)
	}
}

// SetActiveSource switches the source and re-derives the initial value and limits
func (c *CoreParameter) SetActiveSource(src Source) error {
	return c.store.mutate(func() []CoreEvent { return c.setSource(src) })
}

// SetCustomValue sets the custom value, widening the custom limits to include it
func (c *CoreParameter) SetCustomValue(v float64) error {
	return c.store.mutate(func() []CoreEvent { return c.setCustomValue(v) })
}

// SetCustomLimits replaces the custom limits
func (c *CoreParameter) SetCustomLimits(limits [2]float64) error {
	return c.store.mutate(func() []CoreEvent { return c.setCustomLimits(limits) })
}

func (c *CoreParameter) SetInitialValue(v float64) error {
	return c.store.mutate(func() []CoreEvent { return c.setInitialValue(v) })
}

func (c *CoreParameter) SetLowerLimit(v float64) error {
	return c.store.mutate(func() []CoreEvent { return c.setLowerLimit(v) })
}

func (c *CoreParameter) SetUpperLimit(v float64) error {
	return c.store.mutate(func() []CoreEvent { return c.setUpperLimit(v) })
}

// SetIsVariable marks the core as a free variable of the next optimization
func (c *CoreParameter) SetIsVariable(variable bool) error {
	return c.store.mutate(func() []CoreEvent { return c.setVariable(variable) })
}

func (c *CoreParameter) event(kind EventKind) CoreEvent {
	return CoreEvent{Kind: kind, Core: c}
}

func (c *CoreParameter) setVariable(variable bool) []CoreEvent {
	if c.variable == variable {
		return nil
	}
	c.variable = variable
	return []CoreEvent{c.event(EventVariableChanged)}
}

func (c *CoreParameter) setSource(src Source) []CoreEvent {
	if c.source == src {
		return nil
	}
	c.source = src
	return append([]CoreEvent{c.event(EventSourceChanged)}, c.applySource()...)
}

// applySource pulls the initial value and limits from the active source,
// reading design and control data from the first live parameter.
func (c *CoreParameter) applySource() []CoreEvent {
	if len(c.lives) == 0 {
		return nil
	}
	primary := c.lives[0]

	var events []CoreEvent
	switch c.source {
	case SourceDesign:
		limits := primary.rawDesignLimits()
		events = append(events, c.setLowerLimit(limits[0])...)
		events = append(events, c.setUpperLimit(limits[1])...)
		events = append(events, c.setInitialValue(primary.rawDesignValue())...)
	case SourceControl:
		limits := [2]float64{0, 0}
		if primary.hasControlLimits {
			limits = primary.controlLimits
		}
		events = append(events, c.setLowerLimit(limits[0])...)
		events = append(events, c.setUpperLimit(limits[1])...)
		events = append(events, c.setInitialValue(primary.controlValue)...)
	case SourceCustom:
		events = append(events, c.setLowerLimit(c.customLimits[0])...)
		events = append(events, c.setUpperLimit(c.customLimits[1])...)
		events = append(events, c.setInitialValue(c.customValue)...)
	}
	return events
}

func (c *CoreParameter) setCustomValue(v float64) []CoreEvent {
	if utils.SameFloat(c.customValue, v) {
		return nil
	}
	var events []CoreEvent
	c.customValue = v

	limits := c.customLimits
	if v < limits[0] || math.IsNaN(limits[0]) {
		limits[0] = v
	}
	if v > limits[1] || math.IsNaN(limits[1]) {
		limits[1] = v
	}
	events = append(events, c.setCustomLimits(limits)...)
	events = append(events, c.event(EventCustomValueChanged))

	if c.source == SourceCustom {
		events = append(events, c.setInitialValue(v)...)
	}
	return events
}

func (c *CoreParameter) setCustomLimits(limits [2]float64) []CoreEvent {
	if utils.SameFloat(c.customLimits[0], limits[0]) && utils.SameFloat(c.customLimits[1], limits[1]) {
		return nil
	}
	c.customLimits = limits
	events := []CoreEvent{c.event(EventCustomLimitsChanged)}
	if c.source == SourceCustom {
		events = append(events, c.setLowerLimit(limits[0])...)
		events = append(events, c.setUpperLimit(limits[1])...)
	}
	return events
}

func (c *CoreParameter) setInitialValue(v float64) []CoreEvent {
	if utils.SameFloat(c.initial, v) {
		return nil
	}
	c.initial = v
	events := []CoreEvent{c.event(EventInitialValueChanged)}
	if c.source == SourceCustom {
		events = append(events, c.setCustomValue(v)...)
	}
	return events
}

func (c *CoreParameter) setLowerLimit(v float64) []CoreEvent {
	if utils.SameFloat(c.lower, v) {
		return nil
	}
	c.lower = v
	events := []CoreEvent{c.event(EventLowerLimitChanged)}
	if c.source == SourceCustom && !utils.SameFloat(c.customLimits[0], v) {
		c.customLimits[0] = v
		events = append(events, c.event(EventCustomLimitsChanged))
	}
	return events
}

func (c *CoreParameter) setUpperLimit(v float64) []CoreEvent {
	if utils.SameFloat(c.upper, v) {
		return nil
	}
	c.upper = v
	events := []CoreEvent{c.event(EventUpperLimitChanged)}
	if c.source == SourceCustom && !utils.SameFloat(c.customLimits[1], v) {
		c.customLimits[1] = v
		events = append(events, c.event(EventCustomLimitsChanged))
	}
	return events
}
