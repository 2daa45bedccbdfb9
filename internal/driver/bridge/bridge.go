// Package bridge implements domain.Driver against the automation bridge, a
// small HTTP service that hosts the desktop client SDK. Commands go over
// HTTP; inbound messages arrive on a websocket stream.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	DefaultHTTPTimeout     = 60 * time.Second
	DefaultMaxDialFailures = 10
)

type Config struct {
	BaseURL string
	Token   string
	// HTTPTimeout bounds one command round trip; the driver decorator
	// usually imposes a tighter deadline.
	HTTPTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxDialFailures is how many consecutive failed stream dials Run
	// tolerates before it reports the bridge unreachable.
	MaxDialFailures int
	Logger          *slog.Logger
}

type Driver struct {
	baseURL  string
	token    string
	http     *http.Client
	dialer   *websocket.Dialer
	backoff  backoff
	maxDials int
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[string]domain.Callback
}

func New(cfg Config) (*Driver, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("bridge base URL must be http(s): %q", cfg.BaseURL)
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.MaxDialFailures <= 0 {
		cfg.MaxDialFailures = DefaultMaxDialFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		baseURL:  base,
		token:    cfg.Token,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		dialer:   websocket.DefaultDialer,
		backoff:  newBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
		maxDials: cfg.MaxDialFailures,
		logger:   cfg.Logger,
		subs:     make(map[string]domain.Callback),
	}, nil
}

type subWindow struct {
	Who string `json:"who"`
}

func (d *Driver) ListOpenWindows(ctx context.Context) ([]string, error) {
	data, err := d.wx(ctx, "GetAllSubWindow", nil)
	if err != nil {
		return nil, err
	}
	if isEmpty(data) {
		return []string{}, nil
	}
	var windows []subWindow
	if err := json.Unmarshal(data, &windows); err != nil {
		return nil, fmt.Errorf("bridge GetAllSubWindow: unexpected data: %w", err)
	}
	names := make([]string, 0, len(windows))
	for _, w := range windows {
		if w.Who != "" {
			names = append(names, w.Who)
		}
	}
	return names, nil
}

// Probe asks the window for its chat info; an empty answer is a failure.
func (d *Driver) Probe(ctx context.Context, name string) error {
	data, err := d.chat(ctx, name, "ChatInfo")
	if err != nil {
		if errors.Is(err, domain.ErrDriverUnreachable) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
	}
	if isEmpty(data) {
		return fmt.Errorf("%w: %s returned no chat info", domain.ErrProbeFailed, name)
	}
	return nil
}

func (d *Driver) Focus(ctx context.Context, name string) error {
	_, err := d.wx(ctx, "ChatWith", map[string]any{"who": name})
	return err
}

func (d *Driver) CloseWindow(ctx context.Context, name string) error {
	_, err := d.chat(ctx, name, "Close")
	var ce *CodeError
	if errors.As(err, &ce) && ce.Code == CodeWindowNotFound {
		return nil
	}
	return err
}

func (d *Driver) ShowPage(ctx context.Context, page domain.Page) error {
	method := "SwitchToChat"
	if page == domain.PageContacts {
		method = "SwitchToContact"
	}
	_, err := d.wx(ctx, method, nil)
	return err
}

// Subscribe registers cb for name and asks the bridge to listen. The
// callback is registered first so no message of the new window is lost.
func (d *Driver) Subscribe(ctx context.Context, name string, cb domain.Callback) error {
	d.mu.Lock()
	d.subs[name] = cb
	d.mu.Unlock()

	data, err := d.post(ctx, "AddListenChat", "/listen/add", listenAdd{Nickname: name})
	if err == nil {
		var res struct {
			Success bool `json:"success"`
		}
		if jerr := json.Unmarshal(data, &res); jerr != nil || !res.Success {
			err = fmt.Errorf("%w: bridge declined to listen to %s", domain.ErrSubscriptionFailed, name)
		}
	}
	if err != nil {
		d.mu.Lock()
		delete(d.subs, name)
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *Driver) Unsubscribe(ctx context.Context, name string) error {
	d.mu.Lock()
	delete(d.subs, name)
	d.mu.Unlock()
	_, err := d.wx(ctx, "RemoveListenChat", map[string]any{"nickname": name})
	return err
}

// SendText delivers text. The bridge supports one mention per message;
// extra mentions are prefixed inline.
func (d *Driver) SendText(ctx context.Context, conversationID, text string, mentions []string) error {
	req := sendText{Receiver: conversationID, Content: text}
	if len(mentions) > 0 {
		req.At = mentions[0]
		if len(mentions) > 1 {
			var sb strings.Builder
			for _, m := range mentions[1:] {
				sb.WriteString("@" + m + " ")
			}
			req.Content = sb.String() + text
		}
	}
	_, err := d.post(ctx, "SendText", "/send/text", req)
	return err
}

// Ping checks that the bridge answers at all.
func (d *Driver) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	d.authorize(req)
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDriverUnreachable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping HTTP %d", domain.ErrDriverUnreachable, resp.StatusCode)
	}
	return nil
}

func (d *Driver) callback(chat string) (domain.Callback, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cb, ok := d.subs[chat]
	return cb, ok
}

var _ domain.Driver = (*Driver)(nil)
