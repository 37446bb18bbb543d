// Package bus carries session-scoped orchestration events to live
// subscribers, with a bounded replay buffer so late subscribers catch up.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReplayBufferSize is the number of events retained per session for late
// subscribers.
const ReplayBufferSize = 256

// Event is one message on the session bus.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Seq       int64          `json:"seq,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`

	// Origin identifies the publishing bus instance so bridged backends can
	// filter their own loopback deliveries.
	Origin string `json:"origin,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(sessionID, eventType string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler receives events for one session in publish order.
type Handler func(event *Event)

// Subscription is an active session subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the session event bus contract. Delivery within a session is FIFO.
type Bus interface {
	// Publish appends an event to the session's replay buffer and delivers
	// it to current subscribers.
	Publish(ctx context.Context, sessionID string, event *Event) error

	// Subscribe registers a handler for a session. Buffered events are
	// replayed first, then live events follow in order.
	Subscribe(sessionID string, handler Handler) (Subscription, error)

	// DropSession discards the session's replay buffer and detaches its
	// subscribers. Used on session teardown.
	DropSession(sessionID string)

	Close()
	IsConnected() bool
}
