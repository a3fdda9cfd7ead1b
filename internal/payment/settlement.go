package payment

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrProofReplayed = errors.New("payment proof already used")

// SettlementStore deduplicates settlements by proof key. Begin atomically
// claims a key and returns ErrProofReplayed when the key is in flight or
// already settled. Fail releases a claim so the client can retry.
type SettlementStore interface {
	Begin(ctx context.Context, key string) error
	Complete(ctx context.Context, key string) error
	Fail(ctx context.Context, key string) error
}

type settlementState int

const (
	statePending settlementState = iota
	stateSettled
)

type settlementEntry struct {
	state   settlementState
	expires time.Time
}

// MemorySettlementStore keeps claims in process memory for ttl.
type MemorySettlementStore struct {
	mu      sync.Mutex
	entries map[string]settlementEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemorySettlementStore(ttl time.Duration) *MemorySettlementStore {
	return &MemorySettlementStore{
		entries: make(map[string]settlementEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemorySettlementStore) Begin(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		return ErrProofReplayed
	}
	s.entries[key] = settlementEntry{state: statePending, expires: now.Add(s.ttl)}
	s.sweep(now)
	return nil
}

func (s *MemorySettlementStore) Complete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = settlementEntry{state: stateSettled, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemorySettlementStore) Fail(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.state == statePending {
		delete(s.entries, key)
	}
	return nil
}

// sweep drops expired entries once the map grows; called with mu held.
func (s *MemorySettlementStore) sweep(now time.Time) {
	if len(s.entries) < 1024 {
		return
	}
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
}
