// Package events fans issuance activity out to live SSE subscribers and,
// optionally, to a durable Pub/Sub topic. Emission never blocks the caller.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeSignalIssued      = "signal.issued"
	TypePaymentRejected   = "payment.rejected"
	TypeReceiptStored     = "receipt.stored"
	TypeReputationUpdated = "reputation.updated"
)

// DefaultSource is the CloudEvents source attribute for events emitted here.
const DefaultSource = "/incrypt/backend"

// Emitter publishes events. Both Bus and PubSubBus satisfy it.
type Emitter interface {
	Emit(eventType, subject string, data map[string]interface{})
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, string, map[string]interface{}) {}

// Event is a CloudEvents 1.0 envelope.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Bus is an in-process pub/sub bus. Slow subscribers lose events rather than
// stall the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	source      string
	bufferSize  int
	logger      *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		source:      DefaultSource,
		bufferSize:  100,
		logger:      logger.With("component", "events"),
	}
}

// ParseTypes splits a comma-separated filter such as a ?events= query value.
func ParseTypes(filter string) []string {
	var types []string
	for _, t := range strings.Split(filter, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe detaches ch and closes it.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	for et, subs := range b.subscribers {
		kept := subs[:0]
		for _, s := range subs {
			if s == ch {
				found = true
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(b.subscribers, et)
		} else {
			b.subscribers[et] = kept
		}
	}

	kept := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s == ch {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	b.allSubs = kept

	if found {
		close(ch)
	}
}

// Publish delivers event to every matching subscriber without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		b.deliver(ch, event)
	}
	for _, ch := range b.allSubs {
		b.deliver(ch, event)
	}
}

func (b *Bus) deliver(ch chan *Event, event *Event) {
	select {
	case ch <- event:
	default:
		b.logger.Debug("subscriber buffer full, event dropped", "type", event.Type, "id", event.ID)
	}
}

func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, b.source, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
