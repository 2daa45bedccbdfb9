package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Threshold: 3, Cooldown: time.Minute, Now: clk.Now})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.IsOpen() {
			t.Fatalf("open after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("expected open after 3 failures")
	}
	if b.FailureCount() != 3 {
		t.Fatalf("FailureCount = %d", b.FailureCount())
	}
}

func TestBreaker_ClosesAfterCooldown(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Threshold: 3, Cooldown: time.Minute, Now: clk.Now})
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clk.Advance(59 * time.Second)
	if !b.IsOpen() {
		t.Fatal("should still be open before cooldown")
	}
	if b.FailureCount() != 3 {
		t.Fatal("count must survive a check inside the cooldown")
	}

	clk.Advance(time.Second)
	if b.IsOpen() {
		t.Fatal("should close once cooldown has elapsed")
	}
	if b.FailureCount() != 0 {
		t.Fatalf("FailureCount = %d after cooldown, want 0", b.FailureCount())
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(Config{Threshold: 3})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.IsOpen() || b.FailureCount() != 1 {
		t.Fatalf("open=%v count=%d, want closed with 1", b.IsOpen(), b.FailureCount())
	}
}

func TestBreaker_CooldownMeasuredFromLastFailure(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Threshold: 3, Cooldown: time.Minute, Now: clk.Now})
	b.RecordFailure()
	clk.Advance(30 * time.Second)
	b.RecordFailure()
	clk.Advance(20 * time.Second)
	b.RecordFailure()

	clk.Advance(50 * time.Second) // 100s after the first, 50s after the last
	if !b.IsOpen() {
		t.Fatal("cooldown should run from the most recent failure")
	}
}

func TestBreaker_OnOpenFiresOncePerTrip(t *testing.T) {
	var trips atomic.Int32
	clk := newFakeClock()
	b := New(Config{Threshold: 2, Cooldown: time.Second, Now: clk.Now, OnOpen: func(st State) {
		if !st.Open {
			t.Error("OnOpen state should report open")
		}
		trips.Add(1)
	}})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	if trips.Load() != 1 {
		t.Fatalf("trips = %d, want 1", trips.Load())
	}

	clk.Advance(2 * time.Second)
	b.IsOpen()
	b.RecordFailure()
	b.RecordFailure()
	if trips.Load() != 2 {
		t.Fatalf("trips = %d, want 2 after a second trip", trips.Load())
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(Config{})
	if b.Threshold() != DefaultThreshold {
		t.Fatalf("Threshold = %d", b.Threshold())
	}
	st := b.Snapshot()
	if st.Open || st.Cooldown != DefaultCooldown.String() {
		t.Fatalf("Snapshot = %+v", st)
	}
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	b := New(Config{Threshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.RecordFailure()
				b.IsOpen()
			}
		}()
	}
	wg.Wait()
	if b.FailureCount() != 1000 {
		t.Fatalf("FailureCount = %d, want 1000", b.FailureCount())
	}
}
