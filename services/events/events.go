package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a pipeline event
type EventType string

const (
	EventAuditCompleted  EventType = "audit.completed"
	EventProposalCreated EventType = "proposal.created"
	EventProposalStatus  EventType = "proposal.status_changed"
	EventExecutionStep   EventType = "execution.step"
)

// Event is a notification about a change in pipeline state
type Event struct {
	Type      EventType   `json:"type"`
	Subject   string      `json:"subject"` // audit run or proposal id
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// New builds an event stamped with the current time
func New(eventType EventType, subject string, payload interface{}) Event {
	return Event{Type: eventType, Subject: subject, Timestamp: time.Now(), Payload: payload}
}

// Publisher delivers events on a best-effort basis
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Nop discards all events
type Nop struct{}

// Publish does nothing
func (Nop) Publish(ctx context.Context, event Event) {}

// Multi fans an event out to several publishers
type Multi []Publisher

// Publish implements Publisher
func (m Multi) Publish(ctx context.Context, event Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}

// Bus is an in-process publisher with channel subscribers.
// A full subscriber misses events rather than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
	closed bool
	logger *zap.Logger
}

// NewBus creates a bus whose subscriber channels hold buffer events
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel of events and a function to cancel the subscription
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish implements Publisher
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event subscriber full, dropping event",
				zap.Int("subscriber", id),
				zap.String("type", string(event.Type)),
				zap.String("subject", event.Subject))
		}
	}
}

// Subscribers returns the number of active subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
