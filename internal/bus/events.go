// Package bus is an in-process publish/subscribe hub for operational
// events: listener recovery, breaker trips and driver loss. Alerts and the
// admin API consume it; message processing never goes through it.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventListenerAdded     = "listener.added"
	EventListenerRemoved   = "listener.removed"
	EventListenerUnhealthy = "listener.unhealthy"
	EventListenerReset     = "listener.reset"
	EventListenerRefresh   = "listener.refresh"
	EventListenerResetAll  = "listener.reset_all"
	EventBreakerOpened     = "breaker.opened"
	EventDriverUnreachable = "driver.unreachable"
	EventQueueRejected     = "dispatch.rejected"

	// Wildcard subscribes to every event type.
	Wildcard = "*"
)

// Event is one occurrence published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Chat      string         `json:"chat,omitempty"`
	Success   bool           `json:"success"`
	Detail    string         `json:"detail,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Handler func(Event)

type subscription struct {
	id string
	fn Handler
}

// EventBus fans events out to handlers synchronously and keeps a bounded
// history for replay. A panicking handler is logged and skipped.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]subscription
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

func NewEventBus(logger *slog.Logger, maxHistory int) *EventBus {
	if maxHistory <= 0 {
		maxHistory = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]subscription),
		maxHistory: maxHistory,
		logger:     logger,
	}
}

// On registers fn for eventType (or Wildcard) and returns an id for Off.
func (b *EventBus) On(eventType string, fn Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

func (b *EventBus) Off(eventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit records ev and calls matching handlers in registration order.
// Safe to call on a nil bus.
func (b *EventBus) Emit(ev Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = append(b.history[:0:0], b.history[1:]...)
	}
	b.history = append(b.history, ev)
	subs := make([]subscription, 0, len(b.handlers[ev.Type])+len(b.handlers[Wildcard]))
	subs = append(subs, b.handlers[ev.Type]...)
	subs = append(subs, b.handlers[Wildcard]...)
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatch(s, ev)
	}
}

// EmitAsync publishes from a new goroutine.
func (b *EventBus) EmitAsync(ev Event) {
	if b == nil {
		return
	}
	go b.Emit(ev)
}

func (b *EventBus) dispatch(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", ev.Type, "handler", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}

// Replay returns recorded events of eventType (or all, for Wildcard or "")
// at or after since, oldest first.
func (b *EventBus) Replay(eventType string, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.history {
		if ev.Timestamp.Before(since) {
			continue
		}
		if eventType == "" || eventType == Wildcard || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (b *EventBus) HistoryLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}
