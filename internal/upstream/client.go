// Package upstream forwards addressed chat messages to the answer service
// and returns its reply. Calls are made once; the circuit breaker is the
// only failure policy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"relaybot/internal/breaker"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"

	"github.com/google/uuid"
)

const (
	DefaultTransientReply = "Hmm, that took too long to answer. Please try again in a moment."
	DefaultEscalatedReply = "The service is being stabilized right now. Please try again later."

	maxResponseBytes = 1 << 20
)

// ErrCircuitOpen is returned without any network call while the breaker is open.
var ErrCircuitOpen = fmt.Errorf("%w: circuit open", domain.ErrUpstreamRejected)

type Config struct {
	Endpoint       string
	Token          string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Breaker        *breaker.Breaker
	TransientReply string
	EscalatedReply string
	Logger         *slog.Logger
}

// Client is safe for concurrent use; connections are pooled.
type Client struct {
	endpoint  string
	token     string
	http      *http.Client
	breaker   *breaker.Breaker
	transient string
	escalated string
	logger    *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Breaker == nil {
		cfg.Breaker = breaker.New(breaker.Config{})
	}
	if cfg.TransientReply == "" {
		cfg.TransientReply = DefaultTransientReply
	}
	if cfg.EscalatedReply == "" {
		cfg.EscalatedReply = DefaultEscalatedReply
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		endpoint:  cfg.Endpoint,
		token:     cfg.Token,
		http:      newHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout),
		breaker:   cfg.Breaker,
		transient: cfg.TransientReply,
		escalated: cfg.EscalatedReply,
		logger:    cfg.Logger,
	}
}

// Breaker exposes the breaker guarding this client.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// Forward hands msg to the answer service. On failure it still returns a
// reply: the degraded text the caller should send, alongside the error.
func (c *Client) Forward(ctx context.Context, msg domain.ChatMessage) (string, error) {
	if c.breaker.IsOpen() {
		metrics.ShortCircuits.Inc()
		c.logger.Warn("upstream short-circuited", "conversation", msg.ConversationID())
		return c.escalated, ErrCircuitOpen
	}

	metrics.ForwardTotal.Inc()
	start := time.Now()
	reply, err := c.post(ctx, msg)
	metrics.ForwardLatency.ObserveSince(start)

	if err != nil {
		c.breaker.RecordFailure()
		metrics.ForwardFailures.Inc()
		failures := c.breaker.FailureCount()
		c.logger.Warn("upstream forward failed",
			"conversation", msg.ConversationID(),
			"failures", failures,
			"err", err,
		)
		if failures >= c.breaker.Threshold() {
			return c.escalated, err
		}
		return c.transient, err
	}

	c.breaker.RecordSuccess()
	return reply, nil
}

func (c *Client) post(ctx context.Context, msg domain.ChatMessage) (string, error) {
	body := toRequest(msg)
	body.Token = c.token
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", domain.ErrUpstreamRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", domain.ErrUpstreamRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamRejected, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: read body: %v", domain.ErrUpstreamTimeout, err)
		}
		return "", fmt.Errorf("%w: read body: %v", domain.ErrUpstreamRejected, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: HTTP %d: %s", domain.ErrUpstreamRejected, resp.StatusCode, truncate(string(data), 200))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: malformed body: %v", domain.ErrUpstreamRejected, err)
	}
	if env.Code != 0 {
		return "", fmt.Errorf("%w: code %d: %s", domain.ErrUpstreamRejected, env.Code, env.Message)
	}
	reply, ok := replyText(env.Data)
	if !ok {
		return "", fmt.Errorf("%w: unexpected data shape", domain.ErrUpstreamRejected)
	}
	return reply, nil
}

// Ping checks that the endpoint's host accepts TCP connections. It does
// not touch the breaker.
func (c *Client) Ping(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid upstream endpoint %q", c.endpoint)
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("dial upstream %s: %w", host, err)
	}
	return conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
