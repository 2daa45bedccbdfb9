// Package breaker implements a failure-threshold circuit breaker that
// closes again purely by time: once the cooldown since the last failure
// has elapsed the next IsOpen check clears the failure count.
package breaker

import (
	"sync"
	"time"
)

const (
	DefaultThreshold = 3
	DefaultCooldown  = 60 * time.Second
)

// State is a point-in-time view of the breaker.
type State struct {
	Open        bool      `json:"open"`
	Failures    int       `json:"failures"`
	Threshold   int       `json:"threshold"`
	Cooldown    string    `json:"cooldown"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// Breaker tracks consecutive failures of one upstream dependency.
// All methods are safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	failures    uint
	lastFailure time.Time

	threshold uint
	cooldown  time.Duration
	now       func() time.Time
	onOpen    func(State)
}

type Config struct {
	Threshold int
	Cooldown  time.Duration
	// Now overrides the clock; tests use it.
	Now func() time.Time
	// OnOpen runs once each time the failure count reaches the threshold.
	// It is called without the breaker lock held.
	OnOpen func(State)
}

func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		threshold: uint(cfg.Threshold),
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		onOpen:    cfg.OnOpen,
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	tripped := b.failures == b.threshold
	var st State
	if tripped {
		st = b.stateLocked(true)
	}
	b.mu.Unlock()

	if tripped && b.onOpen != nil {
		b.onOpen(st)
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// IsOpen reports whether calls should be short-circuited. Crossing the
// cooldown boundary resets the failure count as a side effect.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked()
}

func (b *Breaker) isOpenLocked() bool {
	if b.failures < b.threshold {
		return false
	}
	if b.now().Sub(b.lastFailure) >= b.cooldown {
		b.failures = 0
		return false
	}
	return true
}

func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.failures)
}

func (b *Breaker) Threshold() int { return int(b.threshold) }

func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(b.isOpenLocked())
}

func (b *Breaker) stateLocked(open bool) State {
	return State{
		Open:        open,
		Failures:    int(b.failures),
		Threshold:   int(b.threshold),
		Cooldown:    b.cooldown.String(),
		LastFailure: b.lastFailure,
	}
}
