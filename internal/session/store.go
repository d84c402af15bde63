package session

import "sync"

// Listener receives state snapshots on every change.
type Listener func(State)

// Store is the single mutable holder of State within one instance. Updates
// and the resulting notifications happen in the same synchronous turn, so a
// listener never observes a half-applied update and never misses the order
// mutations were applied in.
type Store struct {
	// dispatchMu serializes update+notify turns; mu guards the fields.
	// dispatchMu is always acquired first.
	dispatchMu sync.Mutex
	mu         sync.Mutex

	state     State
	listeners map[int]Listener
	nextID    int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		listeners: make(map[int]Listener),
	}
}

// Get returns a snapshot of the current state.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies mutate to the state under lock, then synchronously notifies
// every listener with the new snapshot. Listeners may call Get but must not
// call Update or Subscribe.
func (s *Store) Update(mutate func(*State)) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	mutate(&s.state)
	snapshot := s.state.clone()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Subscribe registers a listener and immediately invokes it with the current
// state. The returned function unsubscribes.
func (s *Store) Subscribe(fn Listener) func() {
	s.dispatchMu.Lock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	snapshot := s.state.clone()
	s.mu.Unlock()

	fn(snapshot)
	s.dispatchMu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}
