package engine

import "sync"

// InFlight tracks alert IDs with a resolution write in progress.
// Params: mutex-protected ID set.
// Returns: guard against concurrent resolution of the same alert.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInFlight creates empty in-flight set.
// Params: none.
// Returns: set instance.
func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]struct{})}
}

// TryAcquire marks ID as resolving.
// Params: alert ID.
// Returns: false when ID is already being resolved.
func (s *InFlight) TryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ids[id]; busy {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Release clears resolving mark.
// Params: alert ID.
// Returns: none.
func (s *InFlight) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Contains reports whether ID is being resolved.
func (s *InFlight) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.ids[id]
	return busy
}
