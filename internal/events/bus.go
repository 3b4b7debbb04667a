// Package events carries outbound notifications from the core to whatever UI
// layer happens to be listening. Publishing never blocks: a subscriber that
// cannot keep up loses events rather than stalling downloads or installs.
package events

import (
	"log/slog"
	"sync"

	"github.com/nxmd/nxmd/internal/domain"
	"github.com/nxmd/nxmd/internal/metrics"
)

const subscriberBuffer = 256

// Bus fans events out to all current subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan domain.Event),
		logger: logger,
	}
}

// Subscribe registers a new listener. The returned cancel function removes
// the subscription and closes its channel.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan domain.Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber whose buffer has room.
func (b *Bus) Publish(eventType domain.EventType, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	event := domain.Event{Type: eventType, Payload: payload}
	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
			metrics.EventsDropped.Inc()
			b.logger.Warn("event dropped, subscriber buffer full", "type", eventType)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
