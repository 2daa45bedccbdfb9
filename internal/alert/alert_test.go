package alert

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Telegram ---

type fakeBotAPI struct {
	failFirst int32
	sends     atomic.Int32
	mu        sync.Mutex
	texts     []string
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		n := f.sends.Add(1)
		if n <= f.failFirst {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":500,"description":"Internal Server Error"}`))
			return
		}
		_ = r.ParseForm()
		f.mu.Lock()
		f.texts = append(f.texts, r.PostForm.Get("text"))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestTelegram(t *testing.T, api *fakeBotAPI) *Telegram {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)
	tg, err := NewTelegram(TelegramConfig{
		Token:       "123:abc",
		ChatID:      42,
		APIEndpoint: srv.URL + "/bot%s/%s",
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	tg.sleep = func(context.Context, time.Duration) error { return nil }
	return tg
}

func TestNewTelegram_RequiresCredentials(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{Token: "x"}); err == nil {
		t.Fatal("missing chat id should fail")
	}
}

func TestTelegram_NotifyChunks(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api)

	long := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)
	if err := tg.Notify(context.Background(), long); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) != 2 || !strings.HasPrefix(api.texts[0], "aaa") || !strings.Contains(api.texts[1], "bbb") {
		t.Fatalf("texts = %d chunks", len(api.texts))
	}
}

func TestTelegram_RetriesTransientErrors(t *testing.T) {
	api := &fakeBotAPI{failFirst: 2}
	tg := newTestTelegram(t, api)

	if err := tg.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify = %v", err)
	}
	if api.sends.Load() != 3 {
		t.Fatalf("sends = %d, want 3", api.sends.Load())
	}
}

func TestTelegram_GivesUp(t *testing.T) {
	api := &fakeBotAPI{failFirst: 100}
	tg := newTestTelegram(t, api)

	if err := tg.Notify(context.Background(), "hello"); err == nil {
		t.Fatal("expected failure after retries")
	}
	if api.sends.Load() != telegramMaxSendRetries+1 {
		t.Fatalf("sends = %d", api.sends.Load())
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	got := splitMessage(strings.Repeat("x", 25), 10)
	if len(got) != 3 || strings.Join(got, "") != strings.Repeat("x", 25) {
		t.Fatalf("got %v", got)
	}
}

// --- Router ---

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return n.err
}

func (n *recordingNotifier) Texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

func TestRouter_ForwardsFailuresOnly(t *testing.T) {
	events := bus.NewEventBus(testLogger(), 10)
	n := &recordingNotifier{}
	r := NewRouter(RouterConfig{Notifier: n, Events: events, Prefix: "relay-1", Logger: testLogger()})
	r.Start()

	events.Emit(bus.Event{Type: bus.EventListenerReset, Chat: "Alice", Success: true})
	events.Emit(bus.Event{Type: bus.EventListenerAdded, Chat: "Alice", Success: true})
	events.Emit(bus.Event{Type: bus.EventListenerReset, Chat: "TeamRoom", Detail: "listen refused"})
	events.Emit(bus.Event{Type: bus.EventBreakerOpened, Detail: "3 failures"})
	r.Close()

	texts := n.Texts()
	if len(texts) != 2 {
		t.Fatalf("texts = %v", texts)
	}
	for _, txt := range texts {
		if !strings.HasPrefix(txt, "[relay-1] ") {
			t.Errorf("missing prefix: %q", txt)
		}
	}
}

func TestRouter_Throttles(t *testing.T) {
	events := bus.NewEventBus(testLogger(), 10)
	n := &recordingNotifier{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	r := NewRouter(RouterConfig{
		Notifier:    n,
		Events:      events,
		MinInterval: time.Minute,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		Logger: testLogger(),
	})
	r.Start()

	events.Emit(bus.Event{Type: bus.EventDriverUnreachable, Detail: "a"})
	events.Emit(bus.Event{Type: bus.EventDriverUnreachable, Detail: "b"})
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	events.Emit(bus.Event{Type: bus.EventDriverUnreachable, Detail: "c"})
	r.Close()

	if got := len(n.Texts()); got != 2 {
		t.Fatalf("delivered %d alerts, want 2", got)
	}
}

func TestRouter_DeliveryErrorIsContained(t *testing.T) {
	events := bus.NewEventBus(testLogger(), 10)
	n := &recordingNotifier{err: errors.New("offline")}
	r := NewRouter(RouterConfig{Notifier: n, Events: events, Logger: testLogger()})
	r.Start()
	events.Emit(bus.Event{Type: bus.EventBreakerOpened})
	r.Close()
	if len(n.Texts()) != 1 {
		t.Fatal("notifier should have been called once")
	}
}

func TestRouter_CloseUnsubscribes(t *testing.T) {
	events := bus.NewEventBus(testLogger(), 10)
	n := &recordingNotifier{}
	r := NewRouter(RouterConfig{Notifier: n, Events: events, Logger: testLogger()})
	r.Start()
	r.Close()
	events.Emit(bus.Event{Type: bus.EventBreakerOpened})
	time.Sleep(10 * time.Millisecond)
	if len(n.Texts()) != 0 {
		t.Fatal("closed router should not deliver")
	}
}
