package reputation

import (
	"context"
	"errors"
)

const neutralScore = 0.5

var ErrNotFound = errors.New("reputation not found for agent")

// AgentReputation is an agent's delivery record. TotalRequests always equals
// Successes+Failures and ReputationScore is Successes/TotalRequests.
type AgentReputation struct {
	AgentID         string  `json:"agentId"`
	Successes       int64   `json:"successes"`
	Failures        int64   `json:"failures"`
	TotalRequests   int64   `json:"totalRequests"`
	ReputationScore float64 `json:"reputationScore"`
	LastActivity    int64   `json:"lastActivity"`
}

// ReputationStore is the persistence port for reputation rows. Record must be
// atomic per agent: concurrent calls for one agent never lose an update.
type ReputationStore interface {
	// Record applies one outcome at epoch millisecond at and returns the
	// updated row, creating it on first use.
	Record(ctx context.Context, agentID string, success bool, at int64) (*AgentReputation, error)
	Get(ctx context.Context, agentID string) (*AgentReputation, error)
	// List returns rows ordered by score DESC, total requests DESC, agent ASC.
	List(ctx context.Context, limit int) ([]*AgentReputation, error)
	Ping(ctx context.Context) error
	Close() error
}

// apply returns cur advanced by one outcome. A nil cur is a fresh agent.
func apply(cur *AgentReputation, agentID string, success bool, at int64) *AgentReputation {
	next := AgentReputation{AgentID: agentID}
	if cur != nil {
		next = *cur
	}
	if success {
		next.Successes++
	} else {
		next.Failures++
	}
	next.TotalRequests = next.Successes + next.Failures
	next.ReputationScore = score(next.Successes, next.TotalRequests)
	next.LastActivity = at
	return &next
}

func score(successes, total int64) float64 {
	if total == 0 {
		return neutralScore
	}
	return float64(successes) / float64(total)
}

// ranksBefore is the leaderboard ordering.
func ranksBefore(a, b *AgentReputation) bool {
	if a.ReputationScore != b.ReputationScore {
		return a.ReputationScore > b.ReputationScore
	}
	if a.TotalRequests != b.TotalRequests {
		return a.TotalRequests > b.TotalRequests
	}
	return a.AgentID < b.AgentID
}
