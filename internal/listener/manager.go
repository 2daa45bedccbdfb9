// Package listener reconciles the declared set of conversations against
// what the driver actually has open, and recovers listeners that died.
// Every operation is idempotent and reports a structured result instead of
// failing past its boundary.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultSettleDelay      = 500 * time.Millisecond
	DefaultPageDelay        = 300 * time.Millisecond
	DefaultProbeConcurrency = 4
)

// Store is the declared set.
type Store interface {
	List() []string
	Exists(name string) bool
	Add(name string) (bool, error)
	Remove(name string) (bool, error)
}

type Config struct {
	Store  Store
	Driver domain.Driver
	// Ingest receives every inbound message from subscriptions made here.
	Ingest domain.Callback
	Events *bus.EventBus

	SettleDelay      time.Duration
	PageDelay        time.Duration
	ProbeConcurrency int
	// OnUnreachable is called whenever a driver call fails with
	// domain.ErrDriverUnreachable. It may be called more than once.
	OnUnreachable func(error)
	// Sleep overrides the pause between recovery steps; tests use it.
	Sleep  func(context.Context, time.Duration) error
	Logger *slog.Logger
}

type AddOptions struct {
	// SkipStore leaves the declared set untouched; Reset uses it.
	SkipStore bool
}

type RemoveOptions struct {
	SkipStore bool
}

// Manager runs the listener recovery operations. Recovery operations are
// serialized with each other; Status may run alongside them. Mutating
// operations ignore cancellation of the caller's context and run to the
// end; each driver call is bounded by the driver's own timeout.
type Manager struct {
	store  Store
	driver domain.Driver
	ingest domain.Callback
	events *bus.EventBus

	settle        time.Duration
	pageDelay     time.Duration
	probeLimit    int
	onUnreachable func(error)
	sleep         func(context.Context, time.Duration) error
	logger        *slog.Logger

	opMu sync.Mutex
}

func NewManager(cfg Config) *Manager {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.PageDelay <= 0 {
		cfg.PageDelay = DefaultPageDelay
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = DefaultProbeConcurrency
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Ingest == nil {
		cfg.Ingest = func(domain.RawMessage) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:         cfg.Store,
		driver:        cfg.Driver,
		ingest:        cfg.Ingest,
		events:        cfg.Events,
		settle:        cfg.SettleDelay,
		pageDelay:     cfg.PageDelay,
		probeLimit:    cfg.ProbeConcurrency,
		onUnreachable: cfg.OnUnreachable,
		sleep:         cfg.Sleep,
		logger:        cfg.Logger,
	}
}

// --- Status ---

// Status computes the health of every declared listener.
func (m *Manager) Status(ctx context.Context) StatusReport {
	return m.statusOf(ctx, m.store.List())
}

func (m *Manager) statusOf(ctx context.Context, names []string) StatusReport {
	entries := make([]Entry, len(names))

	open, err := m.driver.ListOpenWindows(ctx)
	if err != nil {
		m.check(err)
		m.logger.Warn("list open windows failed", "err", err)
		for i, name := range names {
			entries[i] = Entry{Chat: name, Status: domain.Unhealthy, Reason: domain.ReasonDriverUnreachable}
		}
		return summarize(entries)
	}

	openSet := make(map[string]struct{}, len(open))
	for _, w := range open {
		openSet[w] = struct{}{}
	}

	var g errgroup.Group
	g.SetLimit(m.probeLimit)
	for i, name := range names {
		if _, ok := openSet[name]; !ok {
			entries[i] = Entry{Chat: name, Status: domain.Unhealthy, Reason: domain.ReasonWindowNotFound}
			continue
		}
		g.Go(func() error {
			entries[i] = m.probe(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
	return summarize(entries)
}

func (m *Manager) probe(ctx context.Context, name string) Entry {
	err := m.driver.Probe(ctx, name)
	if err == nil {
		return Entry{Chat: name, Status: domain.Healthy}
	}
	m.check(err)
	m.logger.Debug("probe failed", "chat", name, "err", err)
	reason := domain.ReasonProbeFailed
	if errors.Is(err, domain.ErrDriverUnreachable) {
		reason = domain.ReasonDriverUnreachable
	}
	return Entry{Chat: name, Status: domain.Unhealthy, Reason: reason}
}

func summarize(entries []Entry) StatusReport {
	r := StatusReport{Listeners: entries}
	for _, e := range entries {
		if e.Status == domain.Healthy {
			r.Summary.Healthy++
		} else {
			r.Summary.Unhealthy++
		}
	}
	return r
}

// --- Add / Remove ---

// Add opens the conversation and subscribes to it, then declares it.
func (m *Manager) Add(ctx context.Context, name string, opts AddOptions) Result {
	ctx = context.WithoutCancel(ctx)
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.add(ctx, name, opts)
}

func (m *Manager) add(ctx context.Context, name string, opts AddOptions) Result {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{Message: "conversation name is required"}
	}
	if !opts.SkipStore && m.store.Exists(name) {
		return Result{Success: true, Message: fmt.Sprintf("already listening to %s", name)}
	}

	if err := m.driver.Focus(ctx, name); err != nil {
		m.check(err)
		m.logger.Warn("focus conversation failed", "chat", name, "err", err)
		return Result{Message: fmt.Sprintf("open conversation %s: %v", name, err)}
	}
	if err := m.driver.Subscribe(ctx, name, m.callbackFor(name)); err != nil {
		m.check(err)
		err = wrapSubscription(err)
		m.logger.Warn("subscribe failed", "chat", name, "err", err)
		return Result{Message: fmt.Sprintf("subscribe to %s: %v", name, err)}
	}

	if !opts.SkipStore {
		if _, err := m.store.Add(name); err != nil {
			if uerr := m.driver.Unsubscribe(ctx, name); uerr != nil {
				m.check(uerr)
				m.logger.Warn("rollback unsubscribe failed", "chat", name, "err", uerr)
			}
			m.logger.Error("persist listener failed", "chat", name, "err", err)
			return Result{Message: fmt.Sprintf("persist %s: %v", name, err)}
		}
		m.emit(bus.Event{Type: bus.EventListenerAdded, Chat: name, Success: true})
	}
	m.logger.Info("listener added", "chat", name, "persisted", !opts.SkipStore)
	return Result{Success: true, Message: fmt.Sprintf("listening to %s", name)}
}

// Remove tears down the subscription and undeclares the conversation. A
// teardown failure is logged; the name is removed from the store anyway.
func (m *Manager) Remove(ctx context.Context, name string, opts RemoveOptions) Result {
	ctx = context.WithoutCancel(ctx)
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.remove(ctx, name, opts)
}

func (m *Manager) remove(ctx context.Context, name string, opts RemoveOptions) Result {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{Message: "conversation name is required"}
	}
	if !opts.SkipStore && !m.store.Exists(name) {
		return Result{Success: true, Message: fmt.Sprintf("%s is not declared", name)}
	}

	unsubErr := m.driver.Unsubscribe(ctx, name)
	if unsubErr != nil {
		m.check(unsubErr)
		m.logger.Warn("unsubscribe failed", "chat", name, "err", unsubErr)
	}

	if opts.SkipStore {
		if unsubErr != nil {
			return Result{Message: fmt.Sprintf("unsubscribe %s: %v", name, unsubErr)}
		}
		return Result{Success: true, Message: fmt.Sprintf("unsubscribed %s", name)}
	}

	if _, err := m.store.Remove(name); err != nil {
		m.logger.Error("undeclare listener failed", "chat", name, "err", err)
		return Result{Message: fmt.Sprintf("persist removal of %s: %v", name, err)}
	}
	m.emit(bus.Event{Type: bus.EventListenerRemoved, Chat: name, Success: true})
	m.logger.Info("listener removed", "chat", name, "teardown_ok", unsubErr == nil)
	return Result{Success: true, Message: fmt.Sprintf("removed %s", name)}
}

// --- Recovery ---

// Reset rebuilds one declared listener. Only the final add decides success;
// the earlier steps are best-effort.
func (m *Manager) Reset(ctx context.Context, name string) ResetResult {
	ctx = context.WithoutCancel(ctx)
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.reset(ctx, name)
}

func (m *Manager) reset(ctx context.Context, name string) ResetResult {
	res := ResetResult{Chat: name}
	if !m.store.Exists(name) {
		res.Message = fmt.Sprintf("%s is not declared", name)
		return res
	}
	metrics.ListenerResets.Inc()

	res.record("show_chats", m.checked(m.driver.ShowPage(ctx, domain.PageChats)))
	res.record("close_window", m.checked(m.driver.CloseWindow(ctx, name)))

	rm := m.remove(ctx, name, RemoveOptions{SkipStore: true})
	res.Steps = append(res.Steps, Step{Name: "remove_listener", Success: rm.Success, Detail: rm.Message})

	res.record("settle", m.sleep(ctx, m.settle))

	add := m.add(ctx, name, AddOptions{SkipStore: true})
	res.Steps = append(res.Steps, Step{Name: "add_listener", Success: add.Success, Detail: add.Message})

	res.Success = add.Success
	if res.Success {
		res.Message = fmt.Sprintf("%s recovered", name)
	} else {
		metrics.ResetFailures.Inc()
		res.Message = fmt.Sprintf("%s not recovered: %s", name, add.Message)
	}
	m.logger.Info("listener reset", "chat", name, "success", res.Success)
	m.emit(bus.Event{Type: bus.EventListenerReset, Chat: name, Success: res.Success, Detail: res.Message})
	return res
}

// Refresh resets every unhealthy listener and leaves healthy ones alone.
func (m *Manager) Refresh(ctx context.Context) RefreshReport {
	ctx = context.WithoutCancel(ctx)
	m.opMu.Lock()
	defer m.opMu.Unlock()

	status := m.Status(ctx)
	report := RefreshReport{Total: len(status.Listeners)}
	for _, e := range status.Listeners {
		entry := RefreshEntry{Chat: e.Chat, Before: e.Status, BeforeReason: e.Reason}
		if e.Status == domain.Healthy {
			entry.Action = ActionSkip
			entry.After = domain.Healthy
			entry.Success = true
		} else {
			m.emit(bus.Event{Type: bus.EventListenerUnhealthy, Chat: e.Chat, Detail: string(e.Reason)})
			r := m.reset(ctx, e.Chat)
			entry.Action = ActionReset
			entry.Reset = &r
			entry.Success = r.Success
			entry.After = domain.Unhealthy
			if r.Success {
				entry.After = domain.Healthy
			}
		}
		if entry.Success {
			report.SuccessCount++
		} else {
			report.FailCount++
		}
		report.Listeners = append(report.Listeners, entry)
	}

	m.logger.Info("listeners refreshed", "total", report.Total, "ok", report.SuccessCount, "failed", report.FailCount)
	m.emit(bus.Event{
		Type:    bus.EventListenerRefresh,
		Success: report.FailCount == 0,
		Detail:  fmt.Sprintf("%d/%d ok", report.SuccessCount, report.Total),
		Payload: map[string]any{"total": report.Total, "success": report.SuccessCount, "failed": report.FailCount},
	})
	return report
}

// ResetAll closes every open window, nudges the client between two neutral
// pages and then resets each declared listener in turn.
func (m *Manager) ResetAll(ctx context.Context) ResetAllReport {
	ctx = context.WithoutCancel(ctx)
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var rep ResetAllReport

	windows, err := m.driver.ListOpenWindows(ctx)
	if err != nil {
		m.check(err)
		rep.Steps = append(rep.Steps, stepOf("close_windows", err))
	} else {
		for _, w := range windows {
			if err := m.driver.CloseWindow(ctx, w); err != nil {
				m.check(err)
				m.logger.Warn("close window failed", "chat", w, "err", err)
				continue
			}
			rep.ClosedWindows++
		}
		rep.Steps = append(rep.Steps, Step{
			Name:    "close_windows",
			Success: true,
			Detail:  fmt.Sprintf("closed %d/%d", rep.ClosedWindows, len(windows)),
		})
	}

	rep.Steps = append(rep.Steps, stepOf("show_contacts", m.checked(m.driver.ShowPage(ctx, domain.PageContacts))))
	_ = m.sleep(ctx, m.pageDelay)
	rep.Steps = append(rep.Steps, stepOf("show_chats", m.checked(m.driver.ShowPage(ctx, domain.PageChats))))
	_ = m.sleep(ctx, m.pageDelay)

	names := m.store.List()
	rep.Total = len(names)
	rep.Failed = []string{}
	for _, name := range names {
		r := m.reset(ctx, name)
		rep.Results = append(rep.Results, r)
		if r.Success {
			rep.Recovered++
		} else {
			rep.Failed = append(rep.Failed, name)
		}
	}
	rep.Success = len(rep.Failed) == 0
	rep.Message = fmt.Sprintf("reset complete: %d/%d recovered", rep.Recovered, rep.Total)

	m.logger.Info("all listeners reset", "recovered", rep.Recovered, "total", rep.Total, "closed_windows", rep.ClosedWindows)
	m.emit(bus.Event{Type: bus.EventListenerResetAll, Success: rep.Success, Detail: rep.Message})
	return rep
}

// --- helpers ---

// callbackFor pins the conversation id of inbound messages to the
// listener name, which is stable per window.
func (m *Manager) callbackFor(name string) domain.Callback {
	return func(raw domain.RawMessage) {
		raw.ChatName = name
		m.ingest(raw)
	}
}

// check reports driver loss to the bus and the fatal hook.
func (m *Manager) check(err error) {
	if err == nil || !errors.Is(err, domain.ErrDriverUnreachable) {
		return
	}
	m.emit(bus.Event{Type: bus.EventDriverUnreachable, Detail: err.Error()})
	if m.onUnreachable != nil {
		m.onUnreachable(err)
	}
}

func (m *Manager) checked(err error) error {
	m.check(err)
	return err
}

func (m *Manager) emit(ev bus.Event) {
	if ev.Source == "" {
		ev.Source = "listener"
	}
	m.events.Emit(ev)
}

func wrapSubscription(err error) error {
	if errors.Is(err, domain.ErrSubscriptionFailed) || errors.Is(err, domain.ErrDriverUnreachable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrSubscriptionFailed, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
