package connection

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process. It backs tests and single node
// deployments that accept losing state on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*Record
	byInstance map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*Record),
		byInstance: make(map[string]string),
	}
}

func (s *MemoryStore) Get(_ context.Context, unitID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[unitID]
	if !ok {
		return nil, &Error{Kind: KindUnknownTenant, Op: "store.get"}
	}
	return r.Clone(), nil
}

func (s *MemoryStore) GetByInstance(_ context.Context, provider Provider, instanceID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unitID, ok := s.byInstance[instanceKey(provider, instanceID)]
	if !ok {
		return nil, &Error{Kind: KindUnknownTenant, Op: "store.get_by_instance"}
	}
	return s.records[unitID].Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.InstanceID != "" {
		// Same rule as the unique (provider, instance_id) index in Postgres.
		if owner, ok := s.byInstance[instanceKey(record.Provider, record.InstanceID)]; ok && owner != record.UnitID {
			return Errorf(KindInvalidConfig, "store.save", "instance %q is already bound to another unit", record.InstanceID)
		}
	}
	if existing, ok := s.records[record.UnitID]; ok {
		if record.LastSyncedAt != nil && existing.NewerThan(*record.LastSyncedAt) {
			return ErrStaleWrite
		}
		if existing.InstanceID != "" {
			delete(s.byInstance, instanceKey(existing.Provider, existing.InstanceID))
		}
	}

	stored := record.Clone()
	s.records[record.UnitID] = stored
	if stored.InstanceID != "" {
		s.byInstance[instanceKey(stored.Provider, stored.InstanceID)] = stored.UnitID
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
