// Package drivertest provides an in-memory domain.Driver for tests.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"relaybot/internal/domain"
)

// Sent records one SendText call.
type Sent struct {
	Conversation string
	Text         string
	Mentions     []string
}

// Fake simulates a chat client where subscribing opens a sub-window and
// unsubscribing closes it. Failure injection fields may be set at any time
// under Lock/Unlock or before use.
type Fake struct {
	mu sync.Mutex

	windows []string
	subs    map[string]domain.Callback
	calls   []string
	sent    []Sent

	ListErr      error
	ProbeErr     map[string]error
	FocusErr     map[string]error
	SubscribeErr map[string]error
	UnsubErr     map[string]error
	SendErr      error
	// Block makes the named operation wait until Release is closed,
	// ignoring its context.
	Block   map[string]bool
	Release chan struct{}
	// OnSend runs after a SendText call is recorded.
	OnSend func(Sent)
}

func New(openWindows ...string) *Fake {
	return &Fake{
		windows:      slices.Clone(openWindows),
		subs:         make(map[string]domain.Callback),
		ProbeErr:     make(map[string]error),
		FocusErr:     make(map[string]error),
		SubscribeErr: make(map[string]error),
		UnsubErr:     make(map[string]error),
		Block:        make(map[string]bool),
		Release:      make(chan struct{}),
	}
}

func (f *Fake) Lock()   { f.mu.Lock() }
func (f *Fake) Unlock() { f.mu.Unlock() }

func (f *Fake) record(op string) bool {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	block := f.Block[op]
	release := f.Release
	f.mu.Unlock()
	if block {
		<-release
	}
	return block
}

func (f *Fake) ListOpenWindows(ctx context.Context) ([]string, error) {
	f.record("list_windows")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return slices.Clone(f.windows), nil
}

func (f *Fake) Probe(ctx context.Context, name string) error {
	f.record("probe:" + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ProbeErr[name]; err != nil {
		return err
	}
	if !slices.Contains(f.windows, name) {
		return fmt.Errorf("%w: %s", domain.ErrWindowNotFound, name)
	}
	return nil
}

func (f *Fake) Focus(ctx context.Context, name string) error {
	f.record("focus:" + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FocusErr[name]
}

func (f *Fake) CloseWindow(ctx context.Context, name string) error {
	f.record("close:" + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = slices.DeleteFunc(f.windows, func(w string) bool { return w == name })
	return nil
}

func (f *Fake) ShowPage(ctx context.Context, page domain.Page) error {
	f.record("page:" + string(page))
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, name string, cb domain.Callback) error {
	f.record("subscribe:" + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SubscribeErr[name]; err != nil {
		return err
	}
	f.subs[name] = cb
	if !slices.Contains(f.windows, name) {
		f.windows = append(f.windows, name)
	}
	return nil
}

func (f *Fake) Unsubscribe(ctx context.Context, name string) error {
	f.record("unsubscribe:" + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.UnsubErr[name]; err != nil {
		return err
	}
	delete(f.subs, name)
	f.windows = slices.DeleteFunc(f.windows, func(w string) bool { return w == name })
	return nil
}

func (f *Fake) SendText(ctx context.Context, conversationID, text string, mentions []string) error {
	f.record("send:" + conversationID)
	f.mu.Lock()
	if f.SendErr != nil {
		err := f.SendErr
		f.mu.Unlock()
		return err
	}
	s := Sent{Conversation: conversationID, Text: text, Mentions: slices.Clone(mentions)}
	f.sent = append(f.sent, s)
	hook := f.OnSend
	f.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return nil
}

// Deliver invokes the callback subscribed for name.
func (f *Fake) Deliver(name string, raw domain.RawMessage) error {
	f.mu.Lock()
	cb, ok := f.subs[name]
	f.mu.Unlock()
	if !ok {
		return errors.New("drivertest: no subscription for " + name)
	}
	cb(raw)
	return nil
}

// SetWindows replaces the set of open windows.
func (f *Fake) SetWindows(names ...string) {
	f.mu.Lock()
	f.windows = slices.Clone(names)
	f.mu.Unlock()
}

func (f *Fake) Windows() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.windows)
}

func (f *Fake) Subscribed(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[name]
	return ok
}

func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CountCalls returns how many recorded calls equal op.
func (f *Fake) CountCalls(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

var _ domain.Driver = (*Fake)(nil)
