// Package reputation tracks per-agent delivery outcomes and derives a success
// rate that stays consistent with its counters under concurrent updates.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/incrypt/backend/internal/apperr"
	"github.com/incrypt/backend/internal/metrics"
)

const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
	MaxListLimit            = 1000
)

var ErrStorageUnavailable = errors.New("reputation storage unavailable")

// Service is the reputation accounting API used by the orchestrator and the
// HTTP handlers.
type Service struct {
	store   ReputationStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store ReputationStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "reputation")
	return s
}

// RecordOutcome applies one delivery outcome to agentID.
func (s *Service) RecordOutcome(ctx context.Context, agentID string, success bool) (*AgentReputation, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, apperr.New(apperr.KindValidation, "agentId is required")
	}

	rep, err := s.store.Record(ctx, agentID, success, s.now().UnixMilli())
	if err != nil {
		s.logger.Error("reputation update failed", "agent_id", agentID, "success", success, "error", err)
		return nil, unavailable(err)
	}

	s.metrics.ReputationRecorded(agentID, success, rep.ReputationScore)
	s.logger.Debug("reputation updated",
		"agent_id", agentID,
		"success", success,
		"total_requests", rep.TotalRequests,
		"score", rep.ReputationScore,
	)
	return rep, nil
}

// Get returns the agent's row, or a not-found error if it never had an outcome.
func (s *Service) Get(ctx context.Context, agentID string) (*AgentReputation, error) {
	rep, err := s.store.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, "Reputation not found for agent", err)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return rep, nil
}

// Leaderboard returns the top agents. limit <= 0 selects the default.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]*AgentReputation, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	if limit > MaxLeaderboardLimit {
		limit = MaxLeaderboardLimit
	}
	return s.list(ctx, limit)
}

// All returns every agent in leaderboard order, up to limit rows.
func (s *Service) All(ctx context.Context, limit int) ([]*AgentReputation, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.list(ctx, limit)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) list(ctx context.Context, limit int) ([]*AgentReputation, error) {
	reps, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return reps, nil
}

func unavailable(err error) error {
	return apperr.Wrap(apperr.KindStorageUnavailable, "Reputation storage unavailable",
		fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
}
