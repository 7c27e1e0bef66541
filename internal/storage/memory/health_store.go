package memory

import (
	"context"
	"sync"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

type healthKey struct {
	kind coordinator.EntityKind
	name string
}

// HealthStore is an in-memory coordinator.HealthStore.
type HealthStore struct {
	mu      sync.RWMutex
	records map[healthKey]coordinator.HealthRecord
}

// NewHealthStore constructs a HealthStore.
func NewHealthStore() *HealthStore {
	return &HealthStore{records: make(map[healthKey]coordinator.HealthRecord)}
}

// Upsert stores the full record.
func (s *HealthStore) Upsert(_ context.Context, rec coordinator.HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[healthKey{kind: rec.Kind, name: rec.Name}] = rec
	return nil
}

// LoadAll returns every persisted record.
func (s *HealthStore) LoadAll(_ context.Context) ([]coordinator.HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coordinator.HealthRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}
