package reputation

import (
	"context"
	"sort"
	"sync"
)

type memoryEntry struct {
	mu  sync.Mutex
	rep *AgentReputation
}

// MemoryStore keeps reputation in process memory with one lock per agent.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(agentID string) *memoryEntry {
	s.mu.RLock()
	e, ok := s.agents[agentID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.agents[agentID]; !ok {
		e = &memoryEntry{}
		s.agents[agentID] = e
	}
	return e
}

func (s *MemoryStore) Record(_ context.Context, agentID string, success bool, at int64) (*AgentReputation, error) {
	e := s.entry(agentID)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rep = apply(e.rep, agentID, success, at)

	out := *e.rep
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, agentID string) (*AgentReputation, error) {
	s.mu.RLock()
	e, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rep == nil {
		return nil, ErrNotFound
	}
	out := *e.rep
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*AgentReputation, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.agents))
	for _, e := range s.agents {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*AgentReputation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.rep != nil {
			rep := *e.rep
			out = append(out, &rep)
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
