// Package alert turns operational events into operator notifications.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/metrics"
)

const (
	DefaultMinInterval = 5 * time.Minute
	notifyTimeout      = 30 * time.Second
)

// Notifier delivers one alert text.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, text string) error
}

type RouterConfig struct {
	Notifier Notifier
	Events   *bus.EventBus
	// Prefix names this instance in every alert.
	Prefix string
	// MinInterval suppresses repeats of the same alert key.
	MinInterval time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Router subscribes to the bus and forwards the events worth waking an
// operator for. Delivery is asynchronous; Close waits for it.
type Router struct {
	notifier Notifier
	events   *bus.EventBus
	prefix   string
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	subID    string
	wg       sync.WaitGroup
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		notifier: cfg.Notifier,
		events:   cfg.Events,
		prefix:   cfg.Prefix,
		interval: cfg.MinInterval,
		now:      cfg.Now,
		logger:   cfg.Logger,
		lastSent: make(map[string]time.Time),
	}
}

// Start subscribes to every event type.
func (r *Router) Start() {
	r.subID = r.events.On(bus.Wildcard, r.handle)
}

// Close unsubscribes and waits for pending deliveries.
func (r *Router) Close() {
	if r.subID != "" {
		r.events.Off(bus.Wildcard, r.subID)
	}
	r.wg.Wait()
}

func (r *Router) handle(ev bus.Event) {
	text, ok := format(ev)
	if !ok {
		return
	}
	key := ev.Type + "|" + ev.Chat

	r.mu.Lock()
	if last, seen := r.lastSent[key]; seen && r.now().Sub(last) < r.interval {
		r.mu.Unlock()
		r.logger.Debug("alert suppressed", "key", key)
		return
	}
	r.lastSent[key] = r.now()
	r.mu.Unlock()

	if r.prefix != "" {
		text = "[" + r.prefix + "] " + text
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := r.notifier.Notify(ctx, text); err != nil {
			r.logger.Error("alert delivery failed", "notifier", r.notifier.Name(), "event", ev.Type, "err", err)
			return
		}
		metrics.AlertsSent.Inc()
	}()
}

// format renders ev as an alert, or reports false for routine events.
func format(ev bus.Event) (string, bool) {
	switch ev.Type {
	case bus.EventDriverUnreachable:
		return "Automation driver unreachable: " + ev.Detail, true
	case bus.EventBreakerOpened:
		return "Upstream circuit breaker opened: " + ev.Detail, true
	case bus.EventListenerReset:
		if ev.Success {
			return "", false
		}
		return fmt.Sprintf("Listener %s could not be recovered: %s", ev.Chat, ev.Detail), true
	case bus.EventListenerRefresh, bus.EventListenerResetAll:
		if ev.Success {
			return "", false
		}
		return "Listener recovery incomplete: " + ev.Detail, true
	case bus.EventQueueRejected:
		return fmt.Sprintf("Dispatcher rejecting messages for %s: %s", ev.Chat, ev.Detail), true
	}
	return "", false
}
