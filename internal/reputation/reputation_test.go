package reputation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incrypt/backend/internal/apperr"
	"github.com/incrypt/backend/internal/database"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := database.Open(context.Background(), database.SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func backends(t *testing.T, fn func(t *testing.T, svc *Service)) {
	clock := WithClock(func() time.Time { return time.UnixMilli(1730000000000) })
	t.Run("memory", func(t *testing.T) { fn(t, NewService(NewMemoryStore(), clock)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, NewService(newSQLiteStore(t), clock)) })
}

func record(t *testing.T, svc *Service, agentID string, successes, failures int) {
	t.Helper()
	for i := 0; i < successes; i++ {
		_, err := svc.RecordOutcome(context.Background(), agentID, true)
		require.NoError(t, err)
	}
	for i := 0; i < failures; i++ {
		_, err := svc.RecordOutcome(context.Background(), agentID, false)
		require.NoError(t, err)
	}
}

func TestRecordOutcomeMaintainsInvariants(t *testing.T) {
	backends(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()

		rep, err := svc.RecordOutcome(ctx, "nova", true)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rep.Successes)
		assert.Equal(t, int64(0), rep.Failures)
		assert.Equal(t, int64(1), rep.TotalRequests)
		assert.Equal(t, 1.0, rep.ReputationScore)
		assert.Equal(t, int64(1730000000000), rep.LastActivity)

		rep, err = svc.RecordOutcome(ctx, "nova", false)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rep.TotalRequests)
		assert.Equal(t, rep.Successes+rep.Failures, rep.TotalRequests)
		assert.InDelta(t, 0.5, rep.ReputationScore, 1e-12)

		got, err := svc.Get(ctx, "nova")
		require.NoError(t, err)
		assert.Equal(t, rep, got)
	})
}

func TestConcurrentOutcomesAreNotLost(t *testing.T) {
	backends(t, func(t *testing.T, svc *Service) {
		const n = 64
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				agent := "zyra"
				if i%4 == 0 {
					agent = "aria"
				}
				if _, err := svc.RecordOutcome(ctx, agent, i%3 != 0); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		zyra, err := svc.Get(ctx, "zyra")
		require.NoError(t, err)
		aria, err := svc.Get(ctx, "aria")
		require.NoError(t, err)

		assert.Equal(t, int64(n), zyra.TotalRequests+aria.TotalRequests)
		for _, rep := range []*AgentReputation{zyra, aria} {
			assert.Equal(t, rep.Successes+rep.Failures, rep.TotalRequests)
			assert.InDelta(t, float64(rep.Successes)/float64(rep.TotalRequests), rep.ReputationScore, 1e-12)
		}
	})
}

func TestLeaderboardOrdering(t *testing.T) {
	backends(t, func(t *testing.T, svc *Service) {
		record(t, svc, "gamma", 45, 5)
		record(t, svc, "alpha", 1, 0)
		record(t, svc, "beta", 180, 20)
		record(t, svc, "delta", 45, 5)

		board, err := svc.Leaderboard(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, board, 4)

		ids := make([]string, len(board))
		for i, rep := range board {
			ids[i] = rep.AgentID
		}
		// equal score and volume falls back to agent id
		assert.Equal(t, []string{"alpha", "beta", "delta", "gamma"}, ids)

		top, err := svc.Leaderboard(context.Background(), 2)
		require.NoError(t, err)
		assert.Len(t, top, 2)
	})
}

func TestGetUnknownAgent(t *testing.T) {
	backends(t, func(t *testing.T, svc *Service) {
		_, err := svc.Get(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

		all, err := svc.All(context.Background(), 0)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestRecordOutcomeRejectsEmptyAgent(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.RecordOutcome(context.Background(), "  ", true)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestStorageErrorsAreClassified(t *testing.T) {
	svc := NewService(brokenStore{err: errors.New("database is locked")})
	ctx := context.Background()

	_, err := svc.RecordOutcome(ctx, "nova", true)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, apperr.KindStorageUnavailable, apperr.KindOf(err))

	_, err = svc.Get(ctx, "nova")
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = svc.Leaderboard(ctx, 5)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestLimitsAreClamped(t *testing.T) {
	store := &limitRecorder{}
	svc := NewService(store)
	ctx := context.Background()

	_, _ = svc.Leaderboard(ctx, 0)
	_, _ = svc.Leaderboard(ctx, 5000)
	_, _ = svc.All(ctx, 0)
	_, _ = svc.All(ctx, 25)

	assert.Equal(t, []int{DefaultLeaderboardLimit, MaxLeaderboardLimit, MaxListLimit, 25}, store.limits)
}

func TestApplyFromFresh(t *testing.T) {
	rep := apply(nil, "nova", false, 7)
	assert.Equal(t, &AgentReputation{AgentID: "nova", Failures: 1, TotalRequests: 1, ReputationScore: 0, LastActivity: 7}, rep)
	assert.Equal(t, neutralScore, score(0, 0))
}

type brokenStore struct {
	err error
}

func (b brokenStore) Record(context.Context, string, bool, int64) (*AgentReputation, error) {
	return nil, b.err
}
func (b brokenStore) Get(context.Context, string) (*AgentReputation, error) { return nil, b.err }
func (b brokenStore) List(context.Context, int) ([]*AgentReputation, error) {
	return nil, b.err
}
func (b brokenStore) Ping(context.Context) error { return b.err }
func (b brokenStore) Close() error               { return nil }

type limitRecorder struct {
	MemoryStore
	limits []int
}

func (l *limitRecorder) List(_ context.Context, limit int) ([]*AgentReputation, error) {
	l.limits = append(l.limits, limit)
	return nil, nil
}
