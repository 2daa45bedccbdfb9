package driver

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// Guarded serializes the calls that mutate the chat client's visible state
// behind one lock. ListOpenWindows and Probe pass straight through so they
// may run concurrently.
type Guarded struct {
	next domain.Driver
	mu   *sync.Mutex
}

// Guard wraps next. Pass the same mutex to every Guarded sharing a session;
// a nil mutex gets a private one.
func Guard(next domain.Driver, mu *sync.Mutex) *Guarded {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Guarded{next: next, mu: mu}
}

func (g *Guarded) ListOpenWindows(ctx context.Context) ([]string, error) {
	return g.next.ListOpenWindows(ctx)
}

func (g *Guarded) Probe(ctx context.Context, name string) error {
	return g.next.Probe(ctx, name)
}

func (g *Guarded) Focus(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next.Focus(ctx, name)
}

func (g *Guarded) CloseWindow(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next.CloseWindow(ctx, name)
}

func (g *Guarded) ShowPage(ctx context.Context, page domain.Page) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next.ShowPage(ctx, page)
}

func (g *Guarded) Subscribe(ctx context.Context, name string, cb domain.Callback) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next.Subscribe(ctx, name, cb)
}

func (g *Guarded) Unsubscribe(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next.Unsubscribe(ctx, name)
}

func (g *Guarded) SendText(ctx context.Context, conversationID, text string, mentions []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next.SendText(ctx, conversationID, text, mentions)
}

// New applies the standard stack: each call is bounded by timeout, and
// mutating calls hold mu for at most that long.
func New(next domain.Driver, mu *sync.Mutex, timeout time.Duration) domain.Driver {
	return Guard(WithTimeout(next, timeout), mu)
}
