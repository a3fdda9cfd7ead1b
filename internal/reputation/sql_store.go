package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/incrypt/backend/internal/database"
)

// SQLStore keeps reputation in Postgres or SQLite. Each outcome is a single
// upsert, so the row lock serializes concurrent updates for one agent.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the reputation table and its indexes if they are missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS reputation (
			agent_id VARCHAR(255) PRIMARY KEY,
			successes BIGINT NOT NULL DEFAULT 0,
			failures BIGINT NOT NULL DEFAULT 0,
			total_requests BIGINT NOT NULL DEFAULT 0,
			reputation_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			last_activity BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reputation_score ON reputation(reputation_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_reputation_last_activity ON reputation(last_activity DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate reputation: %w", err)
		}
	}
	return nil
}

const upsertOutcome = `
	INSERT INTO reputation (agent_id, successes, failures, total_requests, reputation_score, last_activity, created_at, updated_at)
	VALUES ($1, $2, $3, 1, $4, $5, $5, $5)
	ON CONFLICT (agent_id) DO UPDATE SET
		successes = reputation.successes + excluded.successes,
		failures = reputation.failures + excluded.failures,
		total_requests = reputation.total_requests + 1,
		reputation_score = CAST(reputation.successes + excluded.successes AS DOUBLE PRECISION) / (reputation.total_requests + 1),
		last_activity = excluded.last_activity,
		updated_at = excluded.updated_at
	RETURNING agent_id, successes, failures, total_requests, reputation_score, last_activity`

func (s *SQLStore) Record(ctx context.Context, agentID string, success bool, at int64) (*AgentReputation, error) {
	var successes, failures int64 = 0, 1
	if success {
		successes, failures = 1, 0
	}

	row := s.db.QueryRowContext(ctx, s.db.Rebind(upsertOutcome),
		agentID, successes, failures, float64(successes), at)

	rep, err := scanReputation(row)
	if err != nil {
		return nil, fmt.Errorf("record outcome for %s: %w", agentID, err)
	}
	return rep, nil
}

func (s *SQLStore) Get(ctx context.Context, agentID string) (*AgentReputation, error) {
	query := s.db.Rebind(`
		SELECT agent_id, successes, failures, total_requests, reputation_score, last_activity
		FROM reputation
		WHERE agent_id = $1`)

	rep, err := scanReputation(s.db.QueryRowContext(ctx, query, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation for %s: %w", agentID, err)
	}
	return rep, nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]*AgentReputation, error) {
	query := s.db.Rebind(`
		SELECT agent_id, successes, failures, total_requests, reputation_score, last_activity
		FROM reputation
		ORDER BY reputation_score DESC, total_requests DESC, agent_id ASC
		LIMIT $1`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list reputation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*AgentReputation, 0)
	for rows.Next() {
		rep, err := scanReputation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reputation: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the pool is shared with the ledger and closed by its owner.
func (s *SQLStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReputation(row rowScanner) (*AgentReputation, error) {
	var rep AgentReputation
	if err := row.Scan(&rep.AgentID, &rep.Successes, &rep.Failures, &rep.TotalRequests, &rep.ReputationScore, &rep.LastActivity); err != nil {
		return nil, err
	}
	return &rep, nil
}
