package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/driver/drivertest"
)

// --- Timed ---

func TestTimed_HungCallIsUnreachable(t *testing.T) {
	fake := drivertest.New("Alice")
	fake.Block["focus:Alice"] = true
	defer close(fake.Release)

	d := WithTimeout(fake, 50*time.Millisecond)
	start := time.Now()
	err := d.Focus(context.Background(), "Alice")
	if !errors.Is(err, domain.ErrDriverUnreachable) {
		t.Fatalf("err = %v, want ErrDriverUnreachable", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout did not bound the call")
	}
}

func TestTimed_PassesResultsThrough(t *testing.T) {
	fake := drivertest.New("Alice", "TeamRoom")
	fake.ProbeErr["TeamRoom"] = domain.ErrProbeFailed
	d := WithTimeout(fake, time.Second)

	names, err := d.ListOpenWindows(context.Background())
	if err != nil || len(names) != 2 {
		t.Fatalf("ListOpenWindows = %v, %v", names, err)
	}
	if err := d.Probe(context.Background(), "Alice"); err != nil {
		t.Fatalf("Probe(Alice) = %v", err)
	}
	if err := d.Probe(context.Background(), "TeamRoom"); !errors.Is(err, domain.ErrProbeFailed) {
		t.Fatalf("Probe(TeamRoom) = %v", err)
	}
}

func TestTimed_CallerCancellationIsNotUnreachable(t *testing.T) {
	fake := drivertest.New()
	fake.Block["page:chats"] = true
	defer close(fake.Release)

	d := WithTimeout(fake, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := d.ShowPage(ctx, domain.PageChats)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// --- Guarded ---

// overlapDriver records the peak number of concurrent calls per class.
type overlapDriver struct {
	*drivertest.Fake
	mutating, probing       atomic.Int32
	peakMutating, peakProbe atomic.Int32
}

func bump(cur, peak *atomic.Int32) func() {
	n := cur.Add(1)
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { cur.Add(-1) }
}

func (o *overlapDriver) Focus(ctx context.Context, name string) error {
	defer bump(&o.mutating, &o.peakMutating)()
	time.Sleep(10 * time.Millisecond)
	return nil
}

func (o *overlapDriver) Probe(ctx context.Context, name string) error {
	defer bump(&o.probing, &o.peakProbe)()
	time.Sleep(30 * time.Millisecond)
	return nil
}

func TestGuarded_SerializesMutatingCalls(t *testing.T) {
	o := &overlapDriver{Fake: drivertest.New()}
	g := Guard(o, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = g.Focus(context.Background(), "x") }()
		go func() { defer wg.Done(); _ = g.Probe(context.Background(), "x") }()
	}
	wg.Wait()

	if o.peakMutating.Load() != 1 {
		t.Fatalf("mutating calls overlapped: peak %d", o.peakMutating.Load())
	}
	if o.peakProbe.Load() < 2 {
		t.Fatalf("probes should overlap, peak %d", o.peakProbe.Load())
	}
}

func TestGuarded_SharedLockAcrossWrappers(t *testing.T) {
	o := &overlapDriver{Fake: drivertest.New()}
	var mu sync.Mutex
	a, b := Guard(o, &mu), Guard(o, &mu)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = a.Focus(context.Background(), "x") }()
		go func() { defer wg.Done(); _ = b.Focus(context.Background(), "y") }()
	}
	wg.Wait()
	if o.peakMutating.Load() != 1 {
		t.Fatalf("wrappers sharing a mutex overlapped: peak %d", o.peakMutating.Load())
	}
}
