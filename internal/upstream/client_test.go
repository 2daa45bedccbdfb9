package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/breaker"
	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(offset time.Duration, base time.Time) {
	c.mu.Lock()
	c.now = base.Add(offset)
	c.mu.Unlock()
}

func textMsg(conv, text string) domain.ChatMessage {
	return domain.NewText(domain.Envelope{ID: "m1", Sender: "alice", ConversationID: conv}, text)
}

func writeEnvelope(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": "", "data": data})
}

// --- Success path ---

func TestClient_ForwardSuccess(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeEnvelope(w, 0, "pong")
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Token: "secret", Logger: testLogger()})
	reply, err := c.Forward(context.Background(), textMsg("Alice", "ping"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if reply != "pong" {
		t.Fatalf("reply = %q", reply)
	}
	if got.MsgType != "text" || got.Content != "ping" || got.ChatID != "Alice" || got.Token != "secret" {
		t.Fatalf("request = %+v", got)
	}
}

func TestClient_QuoteWireShape(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeEnvelope(w, 0, map[string]string{"content": "ok"})
	}))
	defer srv.Close()

	env := domain.Envelope{Sender: "bob", ConversationID: "TeamRoom", IsGroup: true, MentionsAgent: true}
	img, _ := domain.NewMedia(env, domain.KindImage, domain.Media{Path: `C:\img\a.png`})
	q, _ := domain.NewQuote(env, "@bot what is this", img)

	c := New(Config{Endpoint: srv.URL, Logger: testLogger()})
	reply, err := c.Forward(context.Background(), q)
	if err != nil || reply != "ok" {
		t.Fatalf("Forward = %q, %v", reply, err)
	}
	if got.MsgType != "refer" || !got.IsGroup || !got.IsAtMe {
		t.Fatalf("request = %+v", got)
	}
	if got.ReferMsg == nil || got.ReferMsg.MsgType != "image" || got.ReferMsg.FilePath != `C:\img\a.png` {
		t.Fatalf("refer_msg = %+v", got.ReferMsg)
	}
}

// --- Failure classification ---

func TestClient_FailureModes(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-2xx", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusBadGateway) }},
		{"malformed", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>")) }},
		{"code!=0", func(w http.ResponseWriter, r *http.Request) { writeEnvelope(w, 500, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			b := breaker.New(breaker.Config{Threshold: 3})
			c := New(Config{Endpoint: srv.URL, Breaker: b, Logger: testLogger()})

			reply, err := c.Forward(context.Background(), textMsg("Alice", "hi"))
			if !errors.Is(err, domain.ErrUpstreamRejected) {
				t.Fatalf("err = %v, want ErrUpstreamRejected", err)
			}
			if reply != DefaultTransientReply {
				t.Fatalf("reply = %q", reply)
			}
			if b.FailureCount() != 1 {
				t.Fatalf("FailureCount = %d, want exactly one mutation", b.FailureCount())
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{
		Endpoint:       srv.URL,
		ConnectTimeout: 50 * time.Millisecond,
		ReadTimeout:    100 * time.Millisecond,
		Logger:         testLogger(),
	})
	_, err := c.Forward(context.Background(), textMsg("Alice", "hi"))
	if !errors.Is(err, domain.ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want ErrUpstreamTimeout", err)
	}
}

func TestClient_SuccessResetsBreaker(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		writeEnvelope(w, 0, "fine")
	}))
	defer srv.Close()

	b := breaker.New(breaker.Config{Threshold: 3})
	c := New(Config{Endpoint: srv.URL, Breaker: b, Logger: testLogger()})
	c.Forward(context.Background(), textMsg("A", "1"))
	c.Forward(context.Background(), textMsg("A", "2"))
	fail.Store(false)
	if _, err := c.Forward(context.Background(), textMsg("A", "3")); err != nil {
		t.Fatal(err)
	}
	if b.FailureCount() != 0 {
		t.Fatalf("FailureCount = %d after success", b.FailureCount())
	}
}

// --- Breaker scenario ---

func TestClient_BreakerScenario(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		writeEnvelope(w, 0, "back")
	}))
	defer srv.Close()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := &fakeClock{now: base}
	b := breaker.New(breaker.Config{Threshold: 3, Cooldown: 60 * time.Second, Now: clk.Now})
	c := New(Config{Endpoint: srv.URL, Breaker: b, Logger: testLogger()})
	ctx := context.Background()

	// Three failures within ten seconds.
	wantReplies := []string{DefaultTransientReply, DefaultTransientReply, DefaultEscalatedReply}
	for i, at := range []time.Duration{0, 2 * time.Second, 4 * time.Second} {
		clk.Set(at, base)
		reply, err := c.Forward(ctx, textMsg("Alice", "hi"))
		if err == nil {
			t.Fatalf("call %d: expected failure", i+1)
		}
		if reply != wantReplies[i] {
			t.Fatalf("call %d: reply = %q, want %q", i+1, reply, wantReplies[i])
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("network calls = %d, want 3", calls.Load())
	}

	// Fourth call five seconds later short-circuits.
	clk.Set(9*time.Second, base)
	reply, err := c.Forward(ctx, textMsg("Alice", "hi"))
	if !errors.Is(err, ErrCircuitOpen) || reply != DefaultEscalatedReply {
		t.Fatalf("4th call = %q, %v", reply, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("short-circuit made a network call (calls=%d)", calls.Load())
	}

	// Fifth call 65s after the first failure goes to the network.
	healthy.Store(true)
	clk.Set(65*time.Second, base)
	reply, err = c.Forward(ctx, textMsg("Alice", "hi"))
	if err != nil || reply != "back" {
		t.Fatalf("5th call = %q, %v", reply, err)
	}
	if calls.Load() != 4 {
		t.Fatalf("network calls = %d, want 4", calls.Load())
	}
}

func TestClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := New(Config{Endpoint: srv.URL + "/get-chat", Logger: testLogger()})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	srv.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail once the server is closed")
	}
}
