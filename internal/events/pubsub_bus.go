package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubBus publishes every event to a Cloud Pub/Sub topic and also fans it
// out to in-memory subscribers for the SSE stream.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubBus connects to projectID and creates topicID when it does not
// exist yet. Messages are ordered per subject (the agent id).
func NewPubSubBus(ctx context.Context, projectID, topicID string, logger *slog.Logger, opts ...option.ClientOption) (*PubSubBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		logger.Info("created pubsub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(logger),
		client: client,
		topic:  topic,
		logger: logger.With("component", "pubsub"),
	}
	bus.logger.Info("connected to pubsub topic", "topic", topic.String())
	return bus, nil
}

func (pb *PubSubBus) Emit(eventType, subject string, data map[string]interface{}) {
	pb.PublishRaw(NewEvent(eventType, pb.source, subject, data))
}

// PublishRaw sends a pre-built event to Pub/Sub and the in-memory bus.
func (pb *PubSubBus) PublishRaw(event *Event) {
	pb.publishToPubSub(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) publishToPubSub(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Error("marshal event", "id", event.ID, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-subject":     event.Subject,
		},
		OrderingKey: event.Subject,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// The publish result resolves off the request path.
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			pb.logger.Error("pubsub publish failed", "id", event.ID, "type", event.Type, "error", err)
			if msg.OrderingKey != "" {
				pb.topic.ResumePublish(msg.OrderingKey)
			}
			return
		}
		pb.logger.Debug("published event", "id", event.ID, "msg_id", serverID, "type", event.Type)
	}()
}

// Close flushes pending publishes and closes the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

func (pb *PubSubBus) TopicPath() string {
	return pb.topic.String()
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic %s does not exist", pb.topic.ID())
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
