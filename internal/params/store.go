package params

import (
	"sort"
	"sync"
)

// Store owns every core and live parameter of a beamline. Core parameters are
// created on demand, one per control identity, and live parameters reference
// them by pointer. The store is frozen while an optimization runs; mutating
// calls then fail with ErrFrozen while monitor updates are still recorded.
type Store struct {
	mu        sync.RWMutex
	frozen    bool
	cores     []*CoreParameter
	coreIndex map[string]*CoreParameter
	lives     []*LiveParameter
	listeners listenerSet[StoreEvent]

	sortMu    sync.Mutex
	sorted    []*LiveParameter
	sortDirty bool
}

func NewStore() *Store {
	return &Store{coreIndex: make(map[string]*CoreParameter)}
}

// AddLiveParameter registers the parameter of the given kind on node, creating
// its core on first use. A new core starts on the Custom source with the
// design value and limits as custom settings.
func (s *Store) AddLiveParameter(node Node, adaptor TypeAdaptor) (*LiveParameter, error) {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return nil, ErrFrozen
	}

	key := adaptor.ControlIdentity(node)
	core, exists := s.coreIndex[key]
	if !exists {
		core = &CoreParameter{
			id:      len(s.cores),
			store:   s,
			name:    key,
			adaptor: adaptor,
			source:  SourceCustom,
		}
		s.cores = append(s.cores, core)
		s.coreIndex[key] = core
	}

	live := newLiveParameter(len(s.lives), s, core, node, adaptor)
	s.lives = append(s.lives, live)
	core.lives = append(core.lives, live)

	if !exists {
		limits := live.rawDesignLimits()
		value := live.rawDesignValue()
		core.customLimits = limits
		core.lower, core.upper = limits[0], limits[1]
		core.customValue = value
		core.initial = value
	}
	fns := s.listeners.snapshot()
	s.mu.Unlock()

	s.sortMu.Lock()
	s.sortDirty = true
	s.sortMu.Unlock()

	for _, fn := range fns {
		if !exists {
			fn(StoreEvent{Kind: StoreCoreAdded, Core: core})
		}
		fn(StoreEvent{Kind: StoreLiveAdded, Core: core, Live: live})
	}
	return live, nil
}

// Clear removes every parameter
func (s *Store) Clear() error {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return ErrFrozen
	}
	s.cores = nil
	s.coreIndex = make(map[string]*CoreParameter)
	s.lives = nil
	fns := s.listeners.snapshot()
	s.mu.Unlock()

	s.sortMu.Lock()
	s.sorted = nil
	s.sortDirty = false
	s.sortMu.Unlock()

	for _, fn := range fns {
		fn(StoreEvent{Kind: StoreCleared})
	}
	return nil
}

// Freeze blocks user mutation until Thaw. It fails if already frozen.
func (s *Store) Freeze() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.frozen = true
	return nil
}

// Thaw re-enables mutation and catches Control-source cores up with any
// monitor updates recorded while frozen.
func (s *Store) Thaw() {
	s.mu.Lock()
	if !s.frozen {
		s.mu.Unlock()
		return
	}
	s.frozen = false
	var events []CoreEvent
	for _, core := range s.cores {
		if core.source == SourceControl {
			events = append(events, core.applySource()...)
		}
	}
	s.mu.Unlock()
	s.dispatch(events)
}

func (s *Store) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Subscribe registers fn for store events. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(StoreEvent)) func() {
	s.mu.Lock()
	id := s.listeners.add(fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners.remove(id)
	}
}

// CoreParameters returns the cores in creation order
func (s *Store) CoreParameters() []*CoreParameter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CoreParameter, len(s.cores))
	copy(out, s.cores)
	return out
}

// CoreParameter looks a core up by control identity
func (s *Store) CoreParameter(name string) (*CoreParameter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coreIndex[name]
	return c, ok
}

// LiveParameters returns every live parameter ordered by node position.
// Parameters at the same position keep their insertion order.
func (s *Store) LiveParameters() []*LiveParameter {
	s.sortMu.Lock()
	defer s.sortMu.Unlock()

	if s.sortDirty || s.sorted == nil {
		s.mu.RLock()
		sorted := make([]*LiveParameter, len(s.lives))
		copy(sorted, s.lives)
		s.mu.RUnlock()

		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Position() < sorted[j].Position()
		})
		s.sorted = sorted
		s.sortDirty = false
	}

	out := make([]*LiveParameter, len(s.sorted))
	copy(out, s.sorted)
	return out
}

// LiveParameter looks a live parameter up by id
func (s *Store) LiveParameter(id int) (*LiveParameter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || id >= len(s.lives) {
		return nil, false
	}
	return s.lives[id], true
}

// Filter returns the position-ordered live parameters matching keep
func (s *Store) Filter(keep func(*LiveParameter) bool) []*LiveParameter {
	var out []*LiveParameter
	for _, p := range s.LiveParameters() {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// VariableCores returns the cores marked variable, in creation order
func (s *Store) VariableCores() []*CoreParameter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CoreParameter
	for _, c := range s.cores {
		if c.variable {
			out = append(out, c)
		}
	}
	return out
}

// mutate runs fn under the write lock unless the store is frozen, then
// notifies listeners of the resulting events.
func (s *Store) mutate(fn func() []CoreEvent) error {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return ErrFrozen
	}
	events := fn()
	s.mu.Unlock()
	s.dispatch(events)
	return nil
}

// monitor is mutate for device updates, which are accepted while frozen
func (s *Store) monitor(fn func() []CoreEvent) {
	s.mu.Lock()
	events := fn()
	s.mu.Unlock()
	s.dispatch(events)
}

func (s *Store) dispatch(events []CoreEvent) {
	if len(events) == 0 {
		return
	}

	s.mu.RLock()
	storeFns := s.listeners.snapshot()
	coreFns := make([][]func(CoreEvent), len(events))
	for i, ev := range events {
		coreFns[i] = ev.Core.listeners.snapshot()
	}
	s.mu.RUnlock()

	for i, ev := range events {
		for _, fn := range coreFns[i] {
			fn(ev)
		}
		for _, fn := range storeFns {
			fn(StoreEvent{Kind: StoreParameterModified, Core: ev.Core, Change: ev.Kind})
		}
	}
}
