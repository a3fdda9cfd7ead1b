package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Broadcaster is the Redis Pub/Sub surface RedisBus needs.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe calls handler for every message on channel until the returned
	// function is called.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus shares events between instances over one Redis channel. Every
// instance, the publisher included, receives events from Redis and fans them
// out to its local subscribers, so SSE and WebSocket clients see signals
// issued anywhere in the deployment.
type RedisBus struct {
	*Bus
	redis   Broadcaster
	channel string
	unsub   func()
	logger  *slog.Logger
}

func NewRedisBus(ctx context.Context, redis Broadcaster, channel string, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rb := &RedisBus{
		Bus:     NewBus(logger),
		redis:   redis,
		channel: channel,
		logger:  logger.With("component", "redis_events"),
	}

	unsub, err := redis.Subscribe(ctx, channel, rb.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	rb.unsub = unsub
	rb.logger.Info("redis event bus subscribed", "channel", channel)
	return rb, nil
}

func (rb *RedisBus) Emit(eventType, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, rb.source, subject, data)

	payload, err := event.JSON()
	if err != nil {
		rb.logger.Warn("marshal event failed", "type", eventType, "error", err)
		return
	}
	if err := rb.redis.Publish(context.Background(), rb.channel, payload); err != nil {
		// Local subscribers still get the event when Redis is down.
		rb.logger.Warn("redis publish failed, delivering locally", "type", eventType, "error", err)
		rb.Bus.Publish(event)
	}
}

func (rb *RedisBus) receive(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		rb.logger.Warn("dropping malformed event", "error", err)
		return
	}
	rb.Bus.Publish(&event)
}

func (rb *RedisBus) Close() error {
	if rb.unsub != nil {
		rb.unsub()
	}
	return nil
}

var _ Emitter = (*RedisBus)(nil)
