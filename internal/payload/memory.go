package payload

import (
	"fmt"
	"sync"
)

// MemStore is an in-memory payload store for tests.
type MemStore struct {
	mu         sync.Mutex
	data       map[string][]byte
	degraded   map[string]bool
	Downgrades []string
	Deletes    []string
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		data:     make(map[string][]byte),
		degraded: make(map[string]bool),
	}
}

func (s *MemStore) Put(nodeID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[nodeID] = data
}

func (s *MemStore) Has(nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[nodeID]
	return ok, nil
}

func (s *MemStore) Get(nodeID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[nodeID]
	if !ok {
		return nil, fmt.Errorf("payload %s: %w", nodeID, ErrNotFound)
	}
	return b, nil
}

func (s *MemStore) Downgrade(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded[nodeID] = true
	s.Downgrades = append(s.Downgrades, nodeID)
	return nil
}

func (s *MemStore) Delete(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, nodeID)
	s.Deletes = append(s.Deletes, nodeID)
	return nil
}

// Degraded reports whether a payload has been downgraded.
func (s *MemStore) Degraded(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded[nodeID]
}
