// Package events provides the typed publish/subscribe bus that carries
// provider lifecycle, health, and discovery notifications to in-process
// subscribers and to external observers (MQTT, WebSocket).
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind on the bus.
type Type string

const (
	TypeProviderSpawned  Type = "provider.spawned"
	TypeProviderStarted  Type = "provider.started"
	TypeProviderStopped  Type = "provider.stopped"
	TypeProviderError    Type = "provider.error"
	TypeHealthChanged    Type = "provider.health"
	TypeToolsDiscovered  Type = "provider.tools_discovered"
	TypeRegisterRequest  Type = "registry.register_request"
	TypeRegisterResponse Type = "registry.register_response"
	TypeStatusReport     Type = "coordinator.status"
)

// Event is one notification. Provider carries the originating provider id
// where applicable; AgentID/ChannelID carry the originating call context.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Provider  string         `json:"provider,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus fans events out to subscribers. Delivery is non-blocking: a subscriber
// whose buffer is full misses the event rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. Cancel is idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish stamps the event with an id and timestamp and delivers it to every
// subscriber that has room.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber buffer full, dropping event", "type", ev.Type, "provider", ev.Provider)
		}
	}
}

// Close completes all subscriber channels. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
