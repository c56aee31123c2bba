package orchestrator

import "sync"

// Store is the registry of live streams by id.
// The Manager uses Store for all lookups; callers of Manager do not need to
// know which Store is used.
type Store interface {
	Get(id StreamID) (Capturer, bool)
	Put(s Capturer)
	// CompareAndDelete removes id only if it still maps to s.
	CompareAndDelete(id StreamID, s Capturer) bool
	IDs() []StreamID
	Len() int
}

// InMemoryStore is a concurrency-safe in-memory implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	streams map[StreamID]Capturer
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams: make(map[StreamID]Capturer),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(id StreamID) (Capturer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	return st, ok
}

// Put implements Store.Put. An existing entry for the same id is replaced.
func (s *InMemoryStore) Put(st Capturer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[st.ID()] = st
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemoryStore) CompareAndDelete(id StreamID, st Capturer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.streams[id]; !ok || cur != st {
		return false
	}
	delete(s.streams, id)
	return true
}

// IDs implements Store.IDs.
func (s *InMemoryStore) IDs() []StreamID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]StreamID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

// Len implements Store.Len.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}
