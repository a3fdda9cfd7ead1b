// Package infra provides concrete infrastructure adapters for Redis.
//
// The settlement store here backs payment replay protection when the service
// runs as more than one instance. When Redis is configured but unreachable
// the app refuses to start rather than serving with per-process replay state.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/incrypt/backend/internal/payment"
)

const settlementKeyPrefix = "x402:settlement:"

// redisCommands is the subset of go-redis the adapter uses.
type redisCommands interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// GoRedisAdapter wraps go-redis v9 and implements payment.SettlementStore.
type GoRedisAdapter struct {
	rdb redisCommands
	ttl time.Duration
}

// NewGoRedisAdapter attempts to connect to Redis using the provided options.
// It fails if the server does not answer a ping.
func NewGoRedisAdapter(addr, password string, db int, ttl time.Duration) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	// Ping to verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return newAdapter(rdb, ttl), nil
}

func newAdapter(rdb redisCommands, ttl time.Duration) *GoRedisAdapter {
	return &GoRedisAdapter{rdb: rdb, ttl: ttl}
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// =============================================================================
// payment.SettlementStore implementation
// =============================================================================

var _ payment.SettlementStore = (*GoRedisAdapter)(nil)

func (a *GoRedisAdapter) Begin(ctx context.Context, key string) error {
	claimed, err := a.rdb.SetNX(ctx, settlementKeyPrefix+key, "pending", a.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim proof: %w", err)
	}
	if !claimed {
		return payment.ErrProofReplayed
	}
	return nil
}

func (a *GoRedisAdapter) Complete(ctx context.Context, key string) error {
	if err := a.rdb.Set(ctx, settlementKeyPrefix+key, "settled", a.ttl).Err(); err != nil {
		return fmt.Errorf("mark proof settled: %w", err)
	}
	return nil
}

// releasePending deletes the key only while it is still pending, so a
// settled proof can never be released.
const releasePending = `if redis.call("GET", KEYS[1]) == "pending" then return redis.call("DEL", KEYS[1]) end return 0`

func (a *GoRedisAdapter) Fail(ctx context.Context, key string) error {
	if err := a.rdb.Eval(ctx, releasePending, []string{settlementKeyPrefix + key}).Err(); err != nil {
		return fmt.Errorf("release proof: %w", err)
	}
	return nil
}
