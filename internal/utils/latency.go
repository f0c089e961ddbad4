package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a sliding window of duration samples and answers
// percentile queries over it. The orchestrator feeds it open-to-close
// incident lifetimes, so the reported figures track recent behaviour
// rather than the whole process history.
type LatencyTracker struct {
	mu   sync.RWMutex
	ring []time.Duration
	next int
	full bool
}

// NewLatencyTracker creates a tracker windowed to maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, maxSize)}
}

// Observe records one duration, evicting the oldest sample once the
// window is full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.next] = d
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
}

// Count returns the number of samples currently in the window.
func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count()
}

func (l *LatencyTracker) count() int {
	if l.full {
		return len(l.ring)
	}
	return l.next
}

// Percentile returns the nearest-rank percentile (0-100) over the
// current window, or zero when nothing has been recorded yet.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.RLock()
	n := l.count()
	sorted := make([]time.Duration, n)
	copy(sorted, l.ring[:n])
	l.mu.RUnlock()

	if n == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	return sorted[int((p/100.0)*float64(n-1))]
}
