// Package driver holds decorators that apply relaybot's policy to any
// domain.Driver: a per-call deadline and a coarse lock around calls that
// change what the chat client shows.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const DefaultCallTimeout = 15 * time.Second

// Timed bounds every driver call. A call that does not return within the
// timeout yields domain.ErrDriverUnreachable even when the adapter ignores
// its context; the abandoned call keeps running in the background.
type Timed struct {
	next    domain.Driver
	timeout time.Duration
}

func WithTimeout(next domain.Driver, timeout time.Duration) *Timed {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Timed{next: next, timeout: timeout}
}

func (t *Timed) ListOpenWindows(ctx context.Context) ([]string, error) {
	var names []string
	err := t.call(ctx, "list_windows", func(ctx context.Context) error {
		var err error
		names, err = t.next.ListOpenWindows(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (t *Timed) Probe(ctx context.Context, name string) error {
	return t.call(ctx, "probe", func(ctx context.Context) error { return t.next.Probe(ctx, name) })
}

func (t *Timed) Focus(ctx context.Context, name string) error {
	return t.call(ctx, "focus", func(ctx context.Context) error { return t.next.Focus(ctx, name) })
}

func (t *Timed) CloseWindow(ctx context.Context, name string) error {
	return t.call(ctx, "close_window", func(ctx context.Context) error { return t.next.CloseWindow(ctx, name) })
}

func (t *Timed) ShowPage(ctx context.Context, page domain.Page) error {
	return t.call(ctx, "show_page", func(ctx context.Context) error { return t.next.ShowPage(ctx, page) })
}

func (t *Timed) Subscribe(ctx context.Context, name string, cb domain.Callback) error {
	return t.call(ctx, "subscribe", func(ctx context.Context) error { return t.next.Subscribe(ctx, name, cb) })
}

func (t *Timed) Unsubscribe(ctx context.Context, name string) error {
	return t.call(ctx, "unsubscribe", func(ctx context.Context) error { return t.next.Unsubscribe(ctx, name) })
}

func (t *Timed) SendText(ctx context.Context, conversationID, text string, mentions []string) error {
	return t.call(ctx, "send_text", func(ctx context.Context) error {
		return t.next.SendText(ctx, conversationID, text, mentions)
	})
}

func (t *Timed) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			metrics.DriverTimeouts.Inc()
			return fmt.Errorf("%w: %s timed out after %s", domain.ErrDriverUnreachable, op, t.timeout)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.DriverTimeouts.Inc()
			return fmt.Errorf("%w: %s timed out after %s", domain.ErrDriverUnreachable, op, t.timeout)
		}
		return ctx.Err()
	}
}
