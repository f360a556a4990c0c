package params

// EventKind names the core parameter property that changed
type EventKind int

const (
	EventVariableChanged EventKind = iota
	EventSourceChanged
	EventCustomValueChanged
	EventCustomLimitsChanged
	EventInitialValueChanged
	EventLowerLimitChanged
	EventUpperLimitChanged
)

func (k EventKind) String() string {
	switch k {
	case EventVariableChanged:
		return "variable"
	case EventSourceChanged:
		return "source"
	case EventCustomValueChanged:
		return "custom_value"
	case EventCustomLimitsChanged:
		return "custom_limits"
	case EventInitialValueChanged:
		return "initial_value"
	case EventLowerLimitChanged:
		return "lower_limit"
	case EventUpperLimitChanged:
		return "upper_limit"
	default:
		return "unknown"
	}
}

// CoreEvent reports a change to a core parameter. Listeners read the new
// state through the core's getters.
type CoreEvent struct {
	Kind EventKind
	Core *CoreParameter
}

// StoreEventKind names a structural or value change in the store
type StoreEventKind int

const (
	StoreCleared StoreEventKind = iota
	StoreCoreAdded
	StoreLiveAdded
	StoreParameterModified
)

// StoreEvent reports a store change. Live is set for StoreLiveAdded,
// Change for StoreParameterModified.
type StoreEvent struct {
	Kind   StoreEventKind
	Core   *CoreParameter
	Live   *LiveParameter
	Change EventKind
}

type listenerSet[E any] struct {
	next int
	fns  map[int]func(E)
}

func (l *listenerSet[E]) add(fn func(E)) int {
	if l.fns == nil {
		l.fns = make(map[int]func(E))
	}
	l.next++
	l.fns[l.next] = fn
	return l.next
}

func (l *listenerSet[E]) remove(id int) {
	delete(l.fns, id)
}

func (l *listenerSet[E]) snapshot() []func(E) {
	out := make([]func(E), 0, len(l.fns))
	for i := 1; i <= l.next; i++ {
		if fn, ok := l.fns[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}
