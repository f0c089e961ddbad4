package remediation

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aegisstack/aegis-ir/internal/metrics"
)

// Breaker refuses an action kind after repeated failures across
// incidents, so an unhealthy dependency is not hammered with the same
// fix. State is shared across incident workers and mutated under the
// lock; everything else in a remediation pass is owned by one worker.
type Breaker struct {
	threshold int
	window    time.Duration
	clock     clock.Clock

	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewBreaker constructs a Breaker that opens a kind after threshold
// consecutive failures within window.
func NewBreaker(threshold int, window time.Duration, clk clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		clock:     clk,
		failures:  make(map[string][]time.Time),
	}
}

// Allow reports whether the kind may execute. A kind stays refused
// until enough of its recent failures age out of the window.
func (b *Breaker) Allow(kind string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(kind)
	return len(b.failures[kind]) < b.threshold
}

// RecordFailure notes a failed attempt for the kind, opening the
// breaker once the threshold is crossed.
func (b *Breaker) RecordFailure(kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(kind)
	b.failures[kind] = append(b.failures[kind], b.clock.Now())
	if len(b.failures[kind]) == b.threshold {
		metrics.ObserveBreakerOpen(kind)
	}
}

// RecordSuccess clears the failure run for the kind. Failures must be
// consecutive to open the breaker.
func (b *Breaker) RecordSuccess(kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, kind)
}

// prune drops failures older than the window. Caller holds the lock.
func (b *Breaker) prune(kind string) {
	cutoff := b.clock.Now().Add(-b.window)
	kept := b.failures[kind][:0]
	for _, at := range b.failures[kind] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(b.failures, kind)
		return
	}
	b.failures[kind] = kept
}
