package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const (
	streamPath          = "/listen/stream"
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
)

// backoff is capped exponential delay with jitter.
type backoff struct {
	min, max time.Duration
}

func newBackoff(min, max time.Duration) backoff {
	if min <= 0 {
		min = defaultReconnectMin
	}
	if max < min {
		max = defaultReconnectMax
		if max < min {
			max = min
		}
	}
	return backoff{min: min, max: max}
}

// delay returns the wait before reconnect attempt n (1-based).
func (b backoff) delay(attempt int) time.Duration {
	base := b.min
	for i := 1; i < attempt && base < b.max; i++ {
		base *= 2
	}
	if base > b.max {
		base = b.max
	}
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	d := base + jitter
	if d > b.max {
		d = b.max
	}
	return d
}

// Run consumes the inbound message stream until ctx is done, reconnecting
// after every failure. Frames for unsubscribed chats are dropped. It
// returns an error wrapping domain.ErrDriverUnreachable once the stream
// cannot be dialed maxDials times in a row.
func (d *Driver) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := d.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		attempt++
		if !connected && attempt >= d.maxDials {
			return fmt.Errorf("%w: bridge stream: %d failed dials: %v", domain.ErrDriverUnreachable, attempt, err)
		}
		wait := d.backoff.delay(attempt)
		d.logger.Warn("bridge stream disconnected, reconnecting", "attempt", attempt, "backoff", wait, "err", err)
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil
		}
	}
}

func (d *Driver) streamURL() string {
	u := d.baseURL + streamPath
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

// consume runs one stream connection. connected reports whether the dial
// succeeded, which resets the backoff.
func (d *Driver) consume(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	conn, resp, err := d.dialer.DialContext(ctx, d.streamURL(), header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial stream: HTTP %d: %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()
	d.logger.Info("bridge stream connected", "url", d.streamURL())

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read stream: %w", err)
		}
		var raw domain.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			d.logger.Warn("bad stream frame", "err", err)
			continue
		}
		cb, ok := d.callback(raw.ChatName)
		if !ok {
			d.logger.Debug("frame for unsubscribed chat", "chat", raw.ChatName)
			continue
		}
		cb(raw)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
