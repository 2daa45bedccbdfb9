package listener

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/driver"
	"relaybot/internal/driver/drivertest"
	"relaybot/internal/listenstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	mgr    *Manager
	fake   *drivertest.Fake
	store  *listenstore.Store
	events *bus.EventBus

	mu       sync.Mutex
	ingested []domain.RawMessage
	sleeps   []time.Duration
	fatal    atomic.Int32
}

func newHarness(t *testing.T, declared []string, open ...string) *harness {
	t.Helper()
	store := listenstore.New(listenstore.Config{
		Path:   filepath.Join(t.TempDir(), "listen.json"),
		Logger: testLogger(),
	})
	for _, n := range declared {
		if _, err := store.Add(n); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	h := &harness{fake: drivertest.New(open...), store: store, events: bus.NewEventBus(testLogger(), 100)}
	h.mgr = NewManager(Config{
		Store:  store,
		Driver: h.fake,
		Ingest: func(raw domain.RawMessage) {
			h.mu.Lock()
			h.ingested = append(h.ingested, raw)
			h.mu.Unlock()
		},
		Events:        h.events,
		OnUnreachable: func(error) { h.fatal.Add(1) },
		Sleep: func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		},
		Logger: testLogger(),
	})
	return h
}

func stepNames(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

// --- Status ---

func TestManager_StatusMixed(t *testing.T) {
	h := newHarness(t, []string{"Alice", "TeamRoom"}, "Alice")

	st := h.mgr.Status(context.Background())
	if len(st.Listeners) != 2 {
		t.Fatalf("listeners = %+v", st.Listeners)
	}
	if st.Listeners[0] != (Entry{Chat: "Alice", Status: domain.Healthy}) {
		t.Errorf("Alice = %+v", st.Listeners[0])
	}
	want := Entry{Chat: "TeamRoom", Status: domain.Unhealthy, Reason: domain.ReasonWindowNotFound}
	if st.Listeners[1] != want {
		t.Errorf("TeamRoom = %+v, want %+v", st.Listeners[1], want)
	}
	if st.Summary != (Summary{Healthy: 1, Unhealthy: 1}) {
		t.Errorf("summary = %+v", st.Summary)
	}
}

func TestManager_StatusProbeFailure(t *testing.T) {
	h := newHarness(t, []string{"Alice"}, "Alice")
	h.fake.ProbeErr["Alice"] = domain.ErrProbeFailed

	st := h.mgr.Status(context.Background())
	if st.Listeners[0].Reason != domain.ReasonProbeFailed {
		t.Fatalf("reason = %q, want probe_failed", st.Listeners[0].Reason)
	}
	if h.fatal.Load() != 0 {
		t.Fatal("probe failure must not trigger the unreachable hook")
	}
}

func TestManager_StatusDriverUnreachable(t *testing.T) {
	h := newHarness(t, []string{"Alice", "Bob"}, "Alice")
	h.fake.ListErr = domain.ErrDriverUnreachable

	st := h.mgr.Status(context.Background())
	for _, e := range st.Listeners {
		if e.Status != domain.Unhealthy || e.Reason != domain.ReasonDriverUnreachable {
			t.Fatalf("entry = %+v", e)
		}
	}
	if h.fatal.Load() == 0 {
		t.Fatal("unreachable driver should reach the hook")
	}
	if len(h.events.Replay(bus.EventDriverUnreachable, time.Time{})) == 0 {
		t.Fatal("expected driver.unreachable event")
	}
}

func TestManager_StatusEmpty(t *testing.T) {
	h := newHarness(t, nil)
	st := h.mgr.Status(context.Background())
	if len(st.Listeners) != 0 || st.Summary != (Summary{}) {
		t.Fatalf("status = %+v", st)
	}
}

// --- Add / Remove ---

func TestManager_AddIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	r1 := h.mgr.Add(ctx, "Alice", AddOptions{})
	r2 := h.mgr.Add(ctx, "Alice", AddOptions{})
	if !r1.Success || !r2.Success {
		t.Fatalf("results = %+v %+v", r1, r2)
	}
	if got := h.store.List(); !slices.Equal(got, []string{"Alice"}) {
		t.Fatalf("store = %v", got)
	}
	if n := h.fake.CountCalls("subscribe:Alice"); n != 1 {
		t.Fatalf("subscribe called %d times, want 1", n)
	}
	if !strings.Contains(r2.Message, "already") {
		t.Errorf("second message = %q", r2.Message)
	}
}

func TestManager_AddFocusFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.FocusErr["Ghost"] = errors.New("no such contact")

	r := h.mgr.Add(context.Background(), "Ghost", AddOptions{})
	if r.Success {
		t.Fatal("Add should fail when the conversation cannot be opened")
	}
	if h.store.Exists("Ghost") {
		t.Fatal("failed Add must not declare the name")
	}
	if h.fake.CountCalls("subscribe:Ghost") != 0 {
		t.Fatal("subscribe should not run after focus failed")
	}
}

func TestManager_AddSubscribeFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SubscribeErr["Alice"] = errors.New("listen refused")

	r := h.mgr.Add(context.Background(), "Alice", AddOptions{})
	if r.Success || h.store.Exists("Alice") {
		t.Fatalf("result = %+v, exists = %v", r, h.store.Exists("Alice"))
	}
}

func TestManager_AddPersistFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := listenstore.New(listenstore.Config{Path: filepath.Join(blocker, "listen.json"), Logger: testLogger()})
	fake := drivertest.New()
	mgr := NewManager(Config{Store: store, Driver: fake, Logger: testLogger()})

	r := mgr.Add(context.Background(), "Alice", AddOptions{})
	if r.Success {
		t.Fatal("Add should report the persistence failure")
	}
	if fake.Subscribed("Alice") {
		t.Fatal("subscription should be rolled back")
	}
}

func TestManager_AddEmptyName(t *testing.T) {
	h := newHarness(t, nil)
	if r := h.mgr.Add(context.Background(), "   ", AddOptions{}); r.Success {
		t.Fatal("blank name should be rejected")
	}
	if len(h.fake.Calls()) != 0 {
		t.Fatalf("driver was called: %v", h.fake.Calls())
	}
}

func TestManager_CallbackPinsConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.Add(context.Background(), "TeamRoom", AddOptions{})

	if err := h.fake.Deliver("TeamRoom", domain.RawMessage{ID: "m1", ChatName: "whatever", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ingested) != 1 || h.ingested[0].ChatName != "TeamRoom" {
		t.Fatalf("ingested = %+v", h.ingested)
	}
}

func TestManager_RemoveUndeclared(t *testing.T) {
	h := newHarness(t, nil)
	r := h.mgr.Remove(context.Background(), "Nobody", RemoveOptions{})
	if !r.Success {
		t.Fatalf("Remove of absent name = %+v, want success", r)
	}
	if len(h.fake.Calls()) != 0 {
		t.Fatalf("driver was called: %v", h.fake.Calls())
	}
}

func TestManager_RemoveTeardownFailureStillUndeclares(t *testing.T) {
	h := newHarness(t, []string{"Alice"}, "Alice")
	h.fake.UnsubErr["Alice"] = errors.New("window gone")

	r := h.mgr.Remove(context.Background(), "Alice", RemoveOptions{})
	if !r.Success {
		t.Fatalf("result = %+v", r)
	}
	if h.store.Exists("Alice") {
		t.Fatal("name should be removed from the store")
	}
}

func TestManager_RemoveSkipStoreReportsTeardown(t *testing.T) {
	h := newHarness(t, []string{"Alice"}, "Alice")
	h.fake.UnsubErr["Alice"] = errors.New("window gone")

	r := h.mgr.Remove(context.Background(), "Alice", RemoveOptions{SkipStore: true})
	if r.Success {
		t.Fatal("SkipStore removal should carry the driver outcome")
	}
	if !h.store.Exists("Alice") {
		t.Fatal("SkipStore must leave the store alone")
	}
}

// --- Reset ---

func TestManager_ResetSequence(t *testing.T) {
	h := newHarness(t, []string{"TeamRoom"})

	r := h.mgr.Reset(context.Background(), "TeamRoom")
	if !r.Success {
		t.Fatalf("reset = %+v", r)
	}
	want := []string{"show_chats", "close_window", "remove_listener", "settle", "add_listener"}
	if got := stepNames(r.Steps); !slices.Equal(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	wantCalls := []string{"page:chats", "close:TeamRoom", "unsubscribe:TeamRoom", "focus:TeamRoom", "subscribe:TeamRoom"}
	if got := h.fake.Calls(); !slices.Equal(got, wantCalls) {
		t.Fatalf("calls = %v, want %v", got, wantCalls)
	}
	if h.sleeps[0] != DefaultSettleDelay {
		t.Errorf("settle = %v", h.sleeps[0])
	}
	if !h.store.Exists("TeamRoom") {
		t.Fatal("reset must not undeclare the listener")
	}
}

func TestManager_ResetIntermediateFailuresTolerated(t *testing.T) {
	h := newHarness(t, []string{"TeamRoom"})
	h.fake.UnsubErr["TeamRoom"] = errors.New("not listening")

	r := h.mgr.Reset(context.Background(), "TeamRoom")
	if !r.Success {
		t.Fatalf("reset = %+v", r)
	}
	if r.Steps[2].Success {
		t.Fatal("remove_listener step should record its failure")
	}
}

func TestManager_ResetFinalAddDecides(t *testing.T) {
	h := newHarness(t, []string{"TeamRoom"})
	h.fake.SubscribeErr["TeamRoom"] = errors.New("listen refused")

	r := h.mgr.Reset(context.Background(), "TeamRoom")
	if r.Success {
		t.Fatal("reset should fail when the final add fails")
	}
	evs := h.events.Replay(bus.EventListenerReset, time.Time{})
	if len(evs) != 1 || evs[0].Success {
		t.Fatalf("events = %+v", evs)
	}
}

func TestManager_ResetSurvivesCallerCancellation(t *testing.T) {
	store := listenstore.New(listenstore.Config{
		Path:   filepath.Join(t.TempDir(), "listen.json"),
		Logger: testLogger(),
	})
	if _, err := store.Add("Alice"); err != nil {
		t.Fatal(err)
	}
	fake := drivertest.New("Alice")
	var uiMu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := NewManager(Config{
		Store:  store,
		Driver: driver.New(fake, &uiMu, time.Second),
		Sleep: func(sctx context.Context, _ time.Duration) error {
			// The caller disconnects while the listener is torn down.
			cancel()
			return sctx.Err()
		},
		Logger: testLogger(),
	})

	r := mgr.Reset(ctx, "Alice")
	if !r.Success {
		t.Fatalf("reset = %+v", r)
	}
	if !fake.Subscribed("Alice") {
		t.Fatal("listener must be subscribed again after reset")
	}
	if last := r.Steps[len(r.Steps)-1]; last.Name != "add_listener" || !last.Success {
		t.Fatalf("last step = %+v", last)
	}
}

func TestManager_ResetUndeclared(t *testing.T) {
	h := newHarness(t, nil)
	r := h.mgr.Reset(context.Background(), "Nobody")
	if r.Success || len(r.Steps) != 0 {
		t.Fatalf("reset = %+v", r)
	}
	if len(h.fake.Calls()) != 0 {
		t.Fatalf("driver was called: %v", h.fake.Calls())
	}
}

// --- Refresh ---

func TestManager_RefreshRecoversOnlyUnhealthy(t *testing.T) {
	h := newHarness(t, []string{"Alice", "TeamRoom"}, "Alice")
	ctx := context.Background()

	rep := h.mgr.Refresh(ctx)
	if rep.Total != 2 || rep.SuccessCount != 2 || rep.FailCount != 0 {
		t.Fatalf("report = %+v", rep)
	}
	alice, team := rep.Listeners[0], rep.Listeners[1]
	if alice.Action != ActionSkip || alice.Reset != nil {
		t.Errorf("Alice = %+v", alice)
	}
	if team.Action != ActionReset || team.Before != domain.Unhealthy || team.After != domain.Healthy {
		t.Errorf("TeamRoom = %+v", team)
	}
	if h.fake.CountCalls("close:Alice") != 0 {
		t.Fatal("healthy listener should not be touched")
	}

	st := h.mgr.Status(ctx)
	if st.Summary.Healthy != 2 {
		t.Fatalf("after refresh = %+v", st)
	}
	if len(h.events.Replay(bus.EventListenerUnhealthy, time.Time{})) != 1 {
		t.Fatal("expected one unhealthy event")
	}
}

func TestManager_RefreshAllHealthyIsNoop(t *testing.T) {
	h := newHarness(t, []string{"Alice"}, "Alice")
	rep := h.mgr.Refresh(context.Background())
	if rep.SuccessCount != 1 || rep.Listeners[0].Action != ActionSkip {
		t.Fatalf("report = %+v", rep)
	}
	for _, c := range h.fake.Calls() {
		if strings.HasPrefix(c, "close:") || strings.HasPrefix(c, "subscribe:") {
			t.Fatalf("unexpected driver call %q", c)
		}
	}
}

func TestManager_RefreshCountsFailures(t *testing.T) {
	h := newHarness(t, []string{"Alice", "Bob"})
	h.fake.SubscribeErr["Bob"] = errors.New("listen refused")

	rep := h.mgr.Refresh(context.Background())
	if rep.SuccessCount != 1 || rep.FailCount != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Listeners[1].After != domain.Unhealthy {
		t.Errorf("Bob after = %q", rep.Listeners[1].After)
	}
}

// --- ResetAll ---

func TestManager_ResetAll(t *testing.T) {
	h := newHarness(t, []string{"Alice", "TeamRoom"}, "Alice", "Stranger")

	rep := h.mgr.ResetAll(context.Background())
	if !rep.Success || rep.Recovered != 2 || rep.Total != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Message != "reset complete: 2/2 recovered" {
		t.Errorf("message = %q", rep.Message)
	}
	if rep.ClosedWindows != 2 {
		t.Errorf("closed = %d", rep.ClosedWindows)
	}
	calls := h.fake.Calls()
	contacts := slices.Index(calls, "page:contacts")
	if contacts < 0 || calls[contacts+1] != "page:chats" {
		t.Fatalf("page toggle missing: %v", calls)
	}
	if slices.Index(calls, "close:Stranger") > contacts {
		t.Fatal("windows should close before the page toggle")
	}
	if !slices.Equal(h.fake.Windows(), []string{"Alice", "TeamRoom"}) {
		t.Fatalf("windows after = %v", h.fake.Windows())
	}
	if h.sleeps[0] != DefaultPageDelay || h.sleeps[1] != DefaultPageDelay {
		t.Errorf("sleeps = %v", h.sleeps)
	}
}

func TestManager_ResetAllPartial(t *testing.T) {
	h := newHarness(t, []string{"Alice", "Bob"})
	h.fake.FocusErr["Bob"] = errors.New("gone")

	rep := h.mgr.ResetAll(context.Background())
	if rep.Success || rep.Recovered != 1 || !slices.Equal(rep.Failed, []string{"Bob"}) {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Message != "reset complete: 1/2 recovered" {
		t.Errorf("message = %q", rep.Message)
	}
}

func TestManager_ResetAllEmpty(t *testing.T) {
	h := newHarness(t, nil)
	rep := h.mgr.ResetAll(context.Background())
	if !rep.Success || rep.Total != 0 || rep.Message != "reset complete: 0/0 recovered" {
		t.Fatalf("report = %+v", rep)
	}
}
