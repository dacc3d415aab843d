package publish

import (
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every publish through.
	BreakerClosed BreakerState = iota
	// BreakerOpen drops publishes until the cool-down elapsed.
	BreakerOpen
	// BreakerHalfOpen lets one trial publish through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker stops the mirror from hammering an unreachable server. After
// threshold consecutive failures it opens; after cooldown it lets one trial
// publish through and closes again on success.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive arguments select 5
// failures and 30 seconds.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a publish may be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		return true
	default:
		return true
	}
}

// Record feeds the outcome of an attempted publish. It reports whether the
// breaker opened because of it.
func (b *Breaker) Record(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		return false
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		opened := b.state != BreakerOpen
		b.state = BreakerOpen
		b.openedAt = b.now()
		return opened
	}
	return false
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
