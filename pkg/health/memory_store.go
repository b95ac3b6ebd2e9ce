package health

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps markers in process memory. It backs `--health-store
// memory` for one-shot commands and is the store used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	markers map[string]time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{markers: make(map[string]time.Time)}
}

func (s *MemoryStore) Mark(_ context.Context, ch Channel, o Outcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[MarkerName(ch, o)] = at.UTC()
	return nil
}

func (s *MemoryStore) Last(_ context.Context, ch Channel, o Outcome) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[MarkerName(ch, o)], nil
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = make(map[string]time.Time)
	return nil
}
