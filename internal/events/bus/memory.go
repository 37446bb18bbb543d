package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/adshq/ads/internal/common/logger"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events; the drop is logged.
const subscriberBuffer = 1024

// MemoryBus is the in-process Bus. Each session keeps a bounded replay ring
// and a set of subscribers, each drained by its own pump goroutine so one
// slow handler cannot stall the others.
type MemoryBus struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	nextID   int
	closed   bool
	log      *logger.Logger
}

type sessionState struct {
	replay []*Event
	subs   map[int]*memorySubscription
}

type memorySubscription struct {
	bus       *MemoryBus
	sessionID string
	id        int
	ch        chan *Event
	done      chan struct{}

	mu     sync.Mutex
	active bool
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		sessions: make(map[string]*sessionState),
		log:      log,
	}
}

// Publish appends to the session's replay ring and fans out to subscribers.
func (b *MemoryBus) Publish(ctx context.Context, sessionID string, event *Event) error {
	if event.SessionID == "" {
		event.SessionID = sessionID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	state := b.sessions[sessionID]
	if state == nil {
		state = &sessionState{subs: make(map[int]*memorySubscription)}
		b.sessions[sessionID] = state
	}

	state.replay = append(state.replay, event)
	if len(state.replay) > ReplayBufferSize {
		state.replay = state.replay[len(state.replay)-ReplayBufferSize:]
	}

	for _, sub := range state.subs {
		select {
		case sub.ch <- event:
		default:
			b.log.Warn("dropping event for slow subscriber",
				zap.String("session_id", sessionID),
				zap.String("event_type", event.Type))
		}
	}
	return nil
}

// Subscribe registers a handler. The replay buffer is queued ahead of live
// events, so the handler observes the session history in order.
func (b *MemoryBus) Subscribe(sessionID string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus is closed")
	}

	state := b.sessions[sessionID]
	if state == nil {
		state = &sessionState{subs: make(map[int]*memorySubscription)}
		b.sessions[sessionID] = state
	}

	sub := &memorySubscription{
		bus:       b,
		sessionID: sessionID,
		id:        b.nextID,
		ch:        make(chan *Event, subscriberBuffer+len(state.replay)),
		done:      make(chan struct{}),
		active:    true,
	}
	b.nextID++
	for _, ev := range state.replay {
		sub.ch <- ev
	}
	state.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.pump(handler)
	return sub, nil
}

func (s *memorySubscription) pump(handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			handler(ev)
		}
	}
}

// Unsubscribe detaches the subscription and stops its pump.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()
	close(s.done)

	s.bus.mu.Lock()
	if state := s.bus.sessions[s.sessionID]; state != nil {
		delete(state.subs, s.id)
	}
	s.bus.mu.Unlock()
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// DropSession discards replay state and detaches subscribers for a session.
func (b *MemoryBus) DropSession(sessionID string) {
	b.mu.Lock()
	state := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()

	if state == nil {
		return
	}
	for _, sub := range state.subs {
		_ = sub.Unsubscribe()
	}
}

// Close shuts the bus down and detaches every subscriber.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[string]*sessionState)
	b.mu.Unlock()

	for _, state := range sessions {
		for _, sub := range state.subs {
			_ = sub.Unsubscribe()
		}
	}
	b.log.Info("memory event bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}
