// Package browser implements domain.Driver with chromedp against a
// browser-hosted chat client. Every open conversation is a tab; a
// subscription polls its tab for new message nodes.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const (
	DefaultPollInterval = 2 * time.Second
	userAgent           = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Selectors locate the parts of the chat client.
type Selectors struct {
	ChatsURL    string // page listing conversations
	ContactsURL string
	// ConversationURL opens one conversation; %s is the escaped name.
	ConversationURL string
	Header          string // present while a conversation is rendered
	Message         string // one node per message, carrying data-id
	Sender          string // relative to Message
	Content         string // relative to Message
	SelfMarker      string // class present on own messages
	GroupMarker     string // present on group conversations
	Input           string
	Submit          string
}

type Config struct {
	ProfileDir   string
	Headless     bool
	PollInterval time.Duration
	Selectors    Selectors
	Logger       *slog.Logger
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	stop   context.CancelFunc // poller
}

type Driver struct {
	profileDir string
	headless   bool
	poll       time.Duration
	sel        Selectors
	logger     *slog.Logger

	mu         sync.Mutex
	browserCtx context.Context
	closeAll   context.CancelFunc
	tabs       map[string]*tab
}

func New(cfg Config) *Driver {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".relaybot", "chrome-profile")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		poll:       cfg.PollInterval,
		sel:        cfg.Selectors,
		logger:     cfg.Logger,
		tabs:       make(map[string]*tab),
	}
}

// Start launches Chrome with the persistent profile and opens the chat
// list in the main tab.
func (d *Driver) Start(ctx context.Context) error {
	if err := os.MkdirAll(d.profileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir %s: %w", d.profileDir, err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(d.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if d.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx, chromedp.Navigate(d.sel.ChatsURL), chromedp.WaitReady("body")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("open chat client: %w", err)
	}

	d.mu.Lock()
	d.browserCtx = browserCtx
	d.closeAll = func() {
		browserCancel()
		allocCancel()
	}
	d.mu.Unlock()
	d.logger.Info("browser driver started", "profile", d.profileDir, "headless", d.headless)
	return nil
}

// Close shuts the browser down.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, t := range d.tabs {
		t.close()
		delete(d.tabs, name)
	}
	if d.closeAll != nil {
		d.closeAll()
		d.closeAll = nil
	}
}

func (t *tab) close() {
	if t.stop != nil {
		t.stop()
	}
	t.cancel()
}

func (d *Driver) browser() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx == nil || d.browserCtx.Err() != nil {
		return nil, fmt.Errorf("%w: browser not running", domain.ErrDriverUnreachable)
	}
	return d.browserCtx, nil
}

func (d *Driver) tab(name string) (*tab, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[name]
	if ok && t.ctx.Err() != nil {
		delete(d.tabs, name)
		return nil, false
	}
	return t, ok
}

// run executes actions in runCtx, bounded by the caller's ctx. A failure
// after the browser itself went away is ErrDriverUnreachable.
func (d *Driver) run(ctx, runCtx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case err := <-done:
		if _, gone := d.browser(); err != nil && gone != nil {
			return fmt.Errorf("%w: %v", domain.ErrDriverUnreachable, err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListOpenWindows reports the conversation tabs whose page targets still
// exist in the browser.
func (d *Driver) ListOpenWindows(ctx context.Context) ([]string, error) {
	browserCtx, err := d.browser()
	if err != nil {
		return nil, err
	}
	var infos []*target.Info
	if err := d.run(ctx, browserCtx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		infos, err = chromedp.Targets(c)
		return err
	})); err != nil {
		return nil, fmt.Errorf("list browser targets: %w", err)
	}
	alive := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		alive[info.TargetID] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.tabs))
	for name, t := range d.tabs {
		c := chromedp.FromContext(t.ctx)
		if t.ctx.Err() != nil || c == nil || c.Target == nil || !alive[c.Target.TargetID] {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (d *Driver) Probe(ctx context.Context, name string) error {
	t, ok := d.tab(name)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWindowNotFound, name)
	}
	var present bool
	if err := d.run(ctx, t.ctx, chromedp.Evaluate(existsScript(d.sel.Header), &present)); err != nil {
		if errors.Is(err, domain.ErrDriverUnreachable) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
	}
	if !present {
		return fmt.Errorf("%w: %s has no conversation header", domain.ErrProbeFailed, name)
	}
	return nil
}

// Focus opens the conversation in its own tab, reusing an open one.
func (d *Driver) Focus(ctx context.Context, name string) error {
	if _, ok := d.tab(name); ok {
		return nil
	}
	browserCtx, err := d.browser()
	if err != nil {
		return err
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	if err := d.run(ctx, tabCtx,
		chromedp.Navigate(conversationURL(d.sel.ConversationURL, name)),
		chromedp.WaitReady(d.sel.Header, chromedp.ByQuery),
	); err != nil {
		cancel()
		return fmt.Errorf("open conversation %s: %w", name, err)
	}
	d.mu.Lock()
	d.tabs[name] = &tab{ctx: tabCtx, cancel: cancel}
	d.mu.Unlock()
	return nil
}

func (d *Driver) CloseWindow(ctx context.Context, name string) error {
	d.mu.Lock()
	t, ok := d.tabs[name]
	delete(d.tabs, name)
	d.mu.Unlock()
	if ok {
		t.close()
	}
	return nil
}

func (d *Driver) ShowPage(ctx context.Context, page domain.Page) error {
	browserCtx, err := d.browser()
	if err != nil {
		return err
	}
	dest := d.sel.ChatsURL
	if page == domain.PageContacts {
		dest = d.sel.ContactsURL
	}
	return d.run(ctx, browserCtx, chromedp.Navigate(dest), chromedp.WaitReady("body"))
}

// Subscribe starts polling the conversation's tab. Messages already on the
// page when polling starts are not delivered.
func (d *Driver) Subscribe(ctx context.Context, name string, cb domain.Callback) error {
	t, ok := d.tab(name)
	if !ok {
		return fmt.Errorf("%w: %s is not open", domain.ErrSubscriptionFailed, name)
	}

	tr := newTracker()
	var nodes []node
	if err := d.run(ctx, t.ctx, chromedp.Evaluate(messagesScript(d.sel), &nodes)); err != nil {
		return fmt.Errorf("%w: read %s: %v", domain.ErrSubscriptionFailed, name, err)
	}
	tr.fresh(nodes)

	var group bool
	_ = d.run(ctx, t.ctx, chromedp.Evaluate(existsScript(d.sel.GroupMarker), &group))

	pollCtx, stop := context.WithCancel(t.ctx)
	d.mu.Lock()
	if t.stop != nil {
		t.stop()
	}
	t.stop = stop
	d.mu.Unlock()

	go d.pollLoop(pollCtx, name, group, tr, cb)
	return nil
}

func (d *Driver) pollLoop(ctx context.Context, name string, group bool, tr *tracker, cb domain.Callback) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	chatType := "friend"
	if group {
		chatType = "group"
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var nodes []node
		if err := chromedp.Run(ctx, chromedp.Evaluate(messagesScript(d.sel), &nodes)); err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("poll conversation failed", "chat", name, "err", err)
			}
			continue
		}
		for _, n := range tr.fresh(nodes) {
			cb(n.raw(name, chatType))
		}
	}
}

func (d *Driver) Unsubscribe(ctx context.Context, name string) error {
	d.mu.Lock()
	t, ok := d.tabs[name]
	delete(d.tabs, name)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWindowNotFound, name)
	}
	t.close()
	return nil
}

func (d *Driver) SendText(ctx context.Context, conversationID, text string, mentions []string) error {
	if err := d.Focus(ctx, conversationID); err != nil {
		return err
	}
	t, ok := d.tab(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWindowNotFound, conversationID)
	}
	return d.run(ctx, t.ctx,
		chromedp.WaitVisible(d.sel.Input, chromedp.ByQuery),
		chromedp.Click(d.sel.Input, chromedp.ByQuery),
		chromedp.SendKeys(d.sel.Input, withMentions(text, mentions), chromedp.ByQuery),
		chromedp.Click(d.sel.Submit, chromedp.ByQuery),
	)
}

// --- page scripts ---

// node is one message as read from the page.
type node struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
	Self    bool   `json:"self"`
}

func (n node) raw(chat, chatType string) domain.RawMessage {
	attr := "friend"
	if n.Self {
		attr = "self"
	}
	return domain.RawMessage{
		ID:         n.ID,
		Attr:       attr,
		Type:       "text",
		Sender:     n.Sender,
		ChatName:   chat,
		ChatType:   chatType,
		Content:    n.Content,
		ReceivedAt: time.Now(),
	}
}

// tracker remembers which message ids were already seen.
type tracker struct {
	seen map[string]struct{}
}

func newTracker() *tracker { return &tracker{seen: make(map[string]struct{})} }

// fresh returns the nodes not seen before, in page order.
func (t *tracker) fresh(nodes []node) []node {
	var out []node
	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		if _, ok := t.seen[n.ID]; ok {
			continue
		}
		t.seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}

func existsScript(selector string) string {
	if selector == "" {
		return "false"
	}
	return fmt.Sprintf(`document.querySelector(%s) !== null`, strconv.Quote(selector))
}

func messagesScript(sel Selectors) string {
	return fmt.Sprintf(`(function() {
	var out = [];
	document.querySelectorAll(%s).forEach(function(el) {
		var s = el.querySelector(%s);
		var c = el.querySelector(%s);
		out.push({
			id: el.getAttribute('data-id') || '',
			sender: s ? (s.innerText || '') : '',
			content: c ? (c.innerText || c.textContent || '') : (el.innerText || ''),
			self: %s !== '' && el.classList.contains(%s)
		});
	});
	return out;
})()`,
		strconv.Quote(sel.Message),
		strconv.Quote(orScope(sel.Sender)),
		strconv.Quote(orScope(sel.Content)),
		strconv.Quote(sel.SelfMarker),
		strconv.Quote(sel.SelfMarker),
	)
}

func orScope(s string) string {
	if s == "" {
		return ":scope"
	}
	return s
}

func conversationURL(pattern, name string) string {
	if !strings.Contains(pattern, "%s") {
		return pattern + url.PathEscape(name)
	}
	return fmt.Sprintf(pattern, url.PathEscape(name))
}

func withMentions(text string, mentions []string) string {
	if len(mentions) == 0 {
		return text
	}
	var sb strings.Builder
	for _, m := range mentions {
		sb.WriteString("@" + m + " ")
	}
	sb.WriteString(text)
	return sb.String()
}

var _ domain.Driver = (*Driver)(nil)
