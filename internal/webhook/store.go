package webhook

import (
	"context"
	"sync"
	"time"
)

// Store remembers recently seen provider event ids and logs forward
// deliveries.
//
// MarkSeen records key at time at. It returns false when the key was
// already recorded at or after cutoff, i.e. inside the dedup window.
type Store interface {
	MarkSeen(ctx context.Context, key string, at time.Time, cutoff time.Time) (bool, error)
	Forget(ctx context.Context, key string) error
	Prune(ctx context.Context, before time.Time) (int64, error)
	LogDelivery(ctx context.Context, d DeliveryLog) error
	DeliveryCounts(ctx context.Context) (map[DeliveryStatus]int64, int64, error)
}

// MemoryStore keeps the dedup window in process.
type MemoryStore struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	deliveries map[DeliveryStatus]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:       make(map[string]time.Time),
		deliveries: make(map[DeliveryStatus]int64),
	}
}

func (s *MemoryStore) MarkSeen(_ context.Context, key string, at time.Time, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.seen[key]; ok && !prev.Before(cutoff) {
		return false, nil
	}
	s.seen[key] = at
	return true, nil
}

func (s *MemoryStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.seen, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, at := range s.seen {
		if at.Before(before) {
			delete(s.seen, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LogDelivery(_ context.Context, d DeliveryLog) error {
	s.mu.Lock()
	s.deliveries[d.Status]++
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeliveryCounts(_ context.Context) (map[DeliveryStatus]int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[DeliveryStatus]int64, len(s.deliveries))
	for k, v := range s.deliveries {
		out[k] = v
	}
	return out, int64(len(s.seen)), nil
}
