// Package dispatch turns driver callbacks into ordered, bounded work: it
// converts and filters inbound messages, then processes each conversation
// in arrival order on a fixed worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const (
	DefaultWorkers             = 10
	DefaultQueueSize           = 1000
	DefaultFillerText          = "(｡･ω･｡)ﾉ♡"
	DefaultFillerLineThreshold = 15
	DefaultErrorReply          = "That message seems to have gotten garbled. Could you send it again?"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// DefaultSystemAttrs are message attributes of platform-generated traffic.
var DefaultSystemAttrs = []string{"system", "weixin"}

// Forwarder produces the reply for an addressed message. On failure the
// returned text is still the reply to send.
type Forwarder interface {
	Forward(ctx context.Context, msg domain.ChatMessage) (string, error)
}

// Sender delivers text into a conversation.
type Sender interface {
	SendText(ctx context.Context, conversationID, text string, mentions []string) error
}

// PassiveLog records group messages that do not address the agent.
type PassiveLog interface {
	Record(ctx context.Context, msg domain.ChatMessage) error
}

type Config struct {
	Forwarder  Forwarder
	Sender     Sender
	PassiveLog PassiveLog
	Converter  *Converter
	Events     *bus.EventBus

	Workers             int
	QueueSize           int
	FillerText          string
	FillerLineThreshold int
	ErrorReply          string
	SystemAttrs         []string

	Logger *slog.Logger
}

// lane holds the pending messages of one conversation. It exists only
// while it has pending work and is owned by at most one worker.
type lane struct {
	queue []domain.ChatMessage
}

type Dispatcher struct {
	forwarder Forwarder
	sender    Sender
	passive   PassiveLog
	conv      *Converter
	events    *bus.EventBus

	workers     int
	queueSize   int
	filler      string
	fillerLines int
	errorReply  string
	systemAttrs []string
	logger      *slog.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	pending int
	closed  bool
	ready   chan string

	ctx       context.Context // guarded by mu
	startOnce sync.Once
	stopOnce  sync.Once
	drained   chan struct{}
	inflight  sync.WaitGroup
	bg        sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FillerText == "" {
		cfg.FillerText = DefaultFillerText
	}
	if cfg.FillerLineThreshold <= 0 {
		cfg.FillerLineThreshold = DefaultFillerLineThreshold
	}
	if cfg.ErrorReply == "" {
		cfg.ErrorReply = DefaultErrorReply
	}
	if cfg.SystemAttrs == nil {
		cfg.SystemAttrs = DefaultSystemAttrs
	}
	if cfg.Converter == nil {
		cfg.Converter = NewConverter("", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		forwarder:   cfg.Forwarder,
		sender:      cfg.Sender,
		passive:     cfg.PassiveLog,
		conv:        cfg.Converter,
		events:      cfg.Events,
		workers:     cfg.Workers,
		queueSize:   cfg.QueueSize,
		filler:      cfg.FillerText,
		fillerLines: cfg.FillerLineThreshold,
		errorReply:  cfg.ErrorReply,
		systemAttrs: cfg.SystemAttrs,
		logger:      cfg.Logger,
		lanes:       make(map[string]*lane),
		ready:       make(chan string, cfg.QueueSize),
		ctx:         context.Background(),
		drained:     make(chan struct{}),
	}
}

// Start launches the worker pool. Cancelling ctx does not interrupt
// in-flight work; use Shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.mu.Lock()
		d.ctx = context.WithoutCancel(ctx)
		d.mu.Unlock()
		for i := 0; i < d.workers; i++ {
			go d.worker()
		}
		d.logger.Info("dispatcher started", "workers", d.workers, "queue_size", d.queueSize)
	})
}

// --- Ingestion ---

// OnMessage is the driver callback. It never blocks on processing.
func (d *Dispatcher) OnMessage(raw domain.RawMessage) {
	metrics.MessagesReceived.Inc()

	msg, err := d.conv.Convert(raw)
	if err != nil {
		metrics.Dropped("conversion").Inc()
		d.logger.Warn("message conversion failed", "id", raw.ID, "chat", raw.ChatName, "err", err)
		return
	}
	if slices.Contains(d.systemAttrs, raw.Attr) {
		metrics.Dropped("system").Inc()
		return
	}
	if msg.IsSelf() {
		metrics.Dropped("self").Inc()
		return
	}

	if msg.IsGroup() && d.isLong(msg) {
		d.bgGo(func() { d.sendFiller(msg) })
	}

	if msg.IsGroup() && !msg.MentionsAgent() {
		metrics.Dropped("not_addressed").Inc()
		if d.passive != nil {
			d.bgGo(func() {
				if err := d.passive.Record(d.runCtx(), msg); err != nil {
					d.logger.Warn("passive log failed", "conversation", msg.ConversationID(), "err", err)
				}
			})
		}
		return
	}

	if err := d.Submit(msg); err != nil {
		reason := "closed"
		if errors.Is(err, ErrQueueFull) {
			reason = "queue_full"
		}
		metrics.Dropped(reason).Inc()
		d.logger.Warn("message rejected", "conversation", msg.ConversationID(), "id", msg.ID(), "err", err)
		d.events.Emit(bus.Event{
			Type:   bus.EventQueueRejected,
			Source: "dispatch",
			Chat:   msg.ConversationID(),
			Detail: err.Error(),
		})
	}
}

// Submit enqueues msg on its conversation's lane.
func (d *Dispatcher) Submit(msg domain.ChatMessage) error {
	key := msg.ConversationID()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.pending >= d.queueSize {
		return ErrQueueFull
	}
	d.pending++
	d.inflight.Add(1)

	l, ok := d.lanes[key]
	if !ok {
		l = &lane{}
		d.lanes[key] = l
	}
	l.queue = append(l.queue, msg)
	if !ok {
		// Keys in ready never exceed live lanes, which never exceed
		// queueSize, so this send does not block.
		d.ready <- key
	}
	metrics.MessagesQueued.Inc()
	metrics.QueueDepth.Set(int64(d.pending))
	return nil
}

// Pending returns the number of queued and in-flight messages.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// --- Workers ---

func (d *Dispatcher) worker() {
	for key := range d.ready {
		d.runLane(key)
	}
}

// runLane processes the head of one lane, then hands the lane back to the
// ready queue behind other conversations if it still has work.
func (d *Dispatcher) runLane(key string) {
	d.mu.Lock()
	l := d.lanes[key]
	msg := l.queue[0]
	l.queue[0] = domain.ChatMessage{}
	l.queue = l.queue[1:]
	d.mu.Unlock()

	d.process(msg)

	d.mu.Lock()
	d.pending--
	if len(l.queue) == 0 {
		delete(d.lanes, key)
	} else {
		d.ready <- key
	}
	metrics.QueueDepth.Set(int64(d.pending))
	d.mu.Unlock()
	d.inflight.Done()
}

func (d *Dispatcher) process(msg domain.ChatMessage) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskPanics.Inc()
			d.logger.Error("message processing panic",
				"conversation", msg.ConversationID(),
				"id", msg.ID(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			d.reply(msg, d.errorReply)
		}
	}()

	reply, err := d.forwarder.Forward(d.runCtx(), msg)
	if err != nil {
		d.logger.Warn("forward failed", "conversation", msg.ConversationID(), "id", msg.ID(), "err", err)
		if reply == "" {
			reply = d.errorReply
		}
	}
	if reply != "" {
		d.reply(msg, reply)
	}
	metrics.MessagesHandled.Inc()
}

// reply sends text back; group replies mention the sender.
func (d *Dispatcher) reply(msg domain.ChatMessage, text string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("reply panic", "conversation", msg.ConversationID(), "panic", r)
		}
	}()
	var mentions []string
	if msg.IsGroup() && msg.Sender() != "" {
		mentions = []string{msg.Sender()}
	}
	if err := d.sender.SendText(d.runCtx(), msg.ConversationID(), text, mentions); err != nil {
		d.logger.Warn("send reply failed", "conversation", msg.ConversationID(), "err", err)
	}
}

func (d *Dispatcher) isLong(msg domain.ChatMessage) bool {
	content := msg.Content()
	if content == "" {
		return false
	}
	// Threshold counts line breaks, so a 16-line body is not long.
	return strings.Count(content, "\n") > d.fillerLines
}

func (d *Dispatcher) sendFiller(msg domain.ChatMessage) {
	metrics.FillerReplies.Inc()
	if err := d.sender.SendText(d.runCtx(), msg.ConversationID(), d.filler, nil); err != nil {
		d.logger.Warn("filler reply failed", "conversation", msg.ConversationID(), "err", err)
	}
}

// runCtx is the context handed to forward and send calls. It is never
// cancelled.
func (d *Dispatcher) runCtx() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

// bgGo runs fire-and-forget side work that Shutdown still waits for.
// Nothing new starts once shutdown has begun.
func (d *Dispatcher) bgGo(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.bg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("background task panic", "panic", r)
			}
		}()
		fn()
	}()
}

// --- Shutdown ---

// Shutdown stops accepting messages and waits for queued and in-flight
// work to finish, or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	left := d.pending
	d.mu.Unlock()

	d.stopOnce.Do(func() {
		d.logger.Info("dispatcher draining", "pending", left)
		go func() {
			d.inflight.Wait()
			close(d.ready)
			d.bg.Wait()
			close(d.drained)
		}()
	})

	select {
	case <-d.drained:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %d messages unfinished: %w", d.Pending(), ctx.Err())
	}
}
