package infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incrypt/backend/internal/payment"
)

// fakeRedis implements redisCommands over a map.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	if f.data[keys[0]] == "pending" {
		delete(f.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisSettlementLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := newAdapter(fake, time.Hour)

	require.NoError(t, store.Begin(ctx, "proof-1"))
	assert.Equal(t, "pending", fake.data["x402:settlement:proof-1"])
	assert.Equal(t, time.Hour, fake.ttls["x402:settlement:proof-1"])

	assert.ErrorIs(t, store.Begin(ctx, "proof-1"), payment.ErrProofReplayed)

	require.NoError(t, store.Complete(ctx, "proof-1"))
	assert.Equal(t, "settled", fake.data["x402:settlement:proof-1"])

	require.NoError(t, store.Fail(ctx, "proof-1"))
	assert.ErrorIs(t, store.Begin(ctx, "proof-1"), payment.ErrProofReplayed)
}

func TestRedisSettlementFailReleasesPending(t *testing.T) {
	ctx := context.Background()
	store := newAdapter(newFakeRedis(), time.Hour)

	require.NoError(t, store.Begin(ctx, "proof-2"))
	require.NoError(t, store.Fail(ctx, "proof-2"))
	assert.NoError(t, store.Begin(ctx, "proof-2"))
}

func TestRedisErrorsAreNotReplays(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	store := newAdapter(fake, time.Hour)

	err := store.Begin(context.Background(), "proof-3")
	require.Error(t, err)
	assert.NotErrorIs(t, err, payment.ErrProofReplayed)
	assert.Error(t, store.Ping(context.Background()))
}

func TestRedisStoreBehindGate(t *testing.T) {
	store := newAdapter(newFakeRedis(), time.Hour)
	g := payment.NewGate(approveAll{}, store)
	header := "eyJ0cmFuc2FjdGlvblNpZ25hdHVyZSI6InR4LTEiLCJjbGllbnRQdWJsaWNLZXkiOiJrIn0="

	res, err := g.Admit(context.Background(), header, payment.Requirement{PriceMicroUnits: 10000})
	require.NoError(t, err)
	assert.Equal(t, payment.Admitted, res.Outcome)

	_, err = g.Admit(context.Background(), header, payment.Requirement{PriceMicroUnits: 10000})
	assert.ErrorIs(t, err, payment.ErrProofReplayed)
}

type approveAll struct{}

func (approveAll) Verify(context.Context, *payment.Proof, payment.Requirement) (bool, error) {
	return true, nil
}

func (approveAll) Settle(context.Context, *payment.Proof, payment.Requirement) (*payment.Settlement, error) {
	return &payment.Settlement{Success: true, Transaction: "tx-1"}, nil
}
