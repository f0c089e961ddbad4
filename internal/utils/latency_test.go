package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(8)
	if got := tracker.Count(); got != 0 {
		t.Fatalf("expected empty tracker, got count %d", got)
	}
	if got := tracker.Percentile(95); got != 0 {
		t.Fatalf("expected zero percentile on empty tracker, got %v", got)
	}
}

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(16)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Minute)
	}

	if got := tracker.Count(); got != 10 {
		t.Fatalf("expected 10 samples, got %d", got)
	}
	if got := tracker.Percentile(0); got != time.Minute {
		t.Fatalf("expected min 1m, got %v", got)
	}
	if got := tracker.Percentile(100); got != 10*time.Minute {
		t.Fatalf("expected max 10m, got %v", got)
	}
	if got := tracker.Percentile(50); got < 5*time.Minute || got > 6*time.Minute {
		t.Fatalf("expected median near 5m, got %v", got)
	}
}

func TestLatencyTrackerEvictsOldest(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Second)
	}

	if got := tracker.Count(); got != 3 {
		t.Fatalf("expected window of 3, got %d", got)
	}
	// Only the last three samples (8s, 9s, 10s) may remain.
	if got := tracker.Percentile(0); got != 8*time.Second {
		t.Fatalf("expected oldest surviving sample 8s, got %v", got)
	}
	if got := tracker.Percentile(100); got != 10*time.Second {
		t.Fatalf("expected newest sample 10s, got %v", got)
	}
}
