package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps receipts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]*Receipt
	order    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]*Receipt)}
}

func (s *MemoryStore) Insert(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.receipts[r.Hash]; exists {
		return nil
	}
	stored := *r
	s.receipts[r.Hash] = &stored
	s.order = append(s.order, r.Hash)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, hash string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.receipts[hash]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Receipt, error) {
	s.mu.RLock()
	out := make([]*Receipt, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		r := *s.receipts[s.order[i]]
		out = append(out, &r)
	}
	s.mu.RUnlock()

	// Stable on reversed insertion order, so equal timestamps list newest insert first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
