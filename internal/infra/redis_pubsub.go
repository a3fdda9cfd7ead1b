package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/incrypt/backend/internal/events"
)

// GoRedisPubSub implements events.Broadcaster on go-redis Pub/Sub.
type GoRedisPubSub struct {
	rdb *redis.Client
}

var _ events.Broadcaster = (*GoRedisPubSub)(nil)

func NewGoRedisPubSub(addr, password string, db int) (*GoRedisPubSub, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &GoRedisPubSub{rdb: rdb}, nil
}

func (p *GoRedisPubSub) Publish(ctx context.Context, channel string, message []byte) error {
	return p.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe waits for the subscription to be confirmed, then delivers
// messages on a goroutine until unsubscribe is called.
func (p *GoRedisPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := p.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
		slog.Debug("redis subscription closed", "channel", channel)
	}()
	return func() { _ = sub.Close() }, nil
}

func (p *GoRedisPubSub) Close() error {
	return p.rdb.Close()
}
