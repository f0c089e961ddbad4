package aggregator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aegisstack/aegis-ir/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func anomalyAt(metric string, at time.Time, sev models.Severity) models.Anomaly {
	return models.Anomaly{
		MetricName:     metric,
		Service:        "checkout",
		Timestamp:      at,
		Actual:         42,
		Expected:       10,
		DeviationScore: 8,
		Severity:       sev,
		Trend:          models.TrendIncreasing,
		Source:         models.SourceForecast,
	}
}

type harness struct {
	in   chan models.Anomaly
	agg  *Aggregator
	mock *clock.Mock
	stop func()
	done chan struct{}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	mock := clock.NewMock()
	opts.Clock = mock
	opts.Logger = testLogger()

	in := make(chan models.Anomaly, 16)
	agg := New(in, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{in: in, agg: agg, mock: mock, stop: cancel, done: done}
}

// settle gives the aggregator goroutine a beat to drain the input
// channel before the mock clock moves.
func (h *harness) settle() {
	time.Sleep(10 * time.Millisecond)
}

func (h *harness) expectCandidate(t *testing.T) models.IncidentCandidate {
	t.Helper()
	select {
	case cand, ok := <-h.agg.Candidates():
		if !ok {
			t.Fatal("candidate channel closed early")
		}
		return cand
	case <-time.After(2 * time.Second):
		t.Fatal("no candidate emitted")
	}
	return models.IncidentCandidate{}
}

func (h *harness) expectNoCandidate(t *testing.T) {
	t.Helper()
	select {
	case cand := <-h.agg.Candidates():
		t.Fatalf("unexpected candidate with %d anomalies", len(cand.Anomalies))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWindowFlushGroupsAnomalies(t *testing.T) {
	h := newHarness(t, Options{Window: 5 * time.Minute, DedupWindow: 15 * time.Minute})
	base := h.mock.Now()

	h.in <- anomalyAt("error_rate", base, models.SeverityHigh)
	h.in <- anomalyAt("latency_p99", base.Add(time.Minute), models.SeverityCritical)
	h.in <- anomalyAt("error_rate", base.Add(2*time.Minute), models.SeverityLow)
	h.settle()
	h.mock.Add(5 * time.Minute)

	cand := h.expectCandidate(t)
	if len(cand.Anomalies) != 3 {
		t.Fatalf("candidate holds %d anomalies, want 3", len(cand.Anomalies))
	}
	if cand.Severity != models.SeverityCritical {
		t.Fatalf("aggregate severity = %s, want critical", cand.Severity)
	}
	if got := cand.MetricNames(); len(got) != 2 {
		t.Fatalf("metric names = %v, want 2 distinct", got)
	}
	if !cand.FirstSeen.Equal(base) || !cand.LastSeen.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("window = %s..%s, want %s..%s", cand.FirstSeen, cand.LastSeen, base, base.Add(2*time.Minute))
	}
}

func TestDedupSuppressesOverlappingMetricNames(t *testing.T) {
	h := newHarness(t, Options{Window: 5 * time.Minute, DedupWindow: 15 * time.Minute})
	base := h.mock.Now()

	h.in <- anomalyAt("error_rate", base, models.SeverityHigh)
	h.settle()
	h.mock.Add(5 * time.Minute)
	h.expectCandidate(t)

	// Same symptom recurring inside the dedup window is suppressed.
	h.in <- anomalyAt("error_rate", h.mock.Now(), models.SeverityHigh)
	h.settle()
	h.mock.Add(5 * time.Minute)
	h.expectNoCandidate(t)

	// A disjoint symptom passes through untouched.
	h.in <- anomalyAt("memory_usage", h.mock.Now(), models.SeverityMedium)
	h.settle()
	h.mock.Add(5 * time.Minute)
	cand := h.expectCandidate(t)
	if names := cand.MetricNames(); len(names) != 1 || names[0] != "memory_usage" {
		t.Fatalf("metric names = %v, want [memory_usage]", names)
	}

	// Once the dedup window elapses the original symptom is fresh again.
	h.mock.Add(16 * time.Minute)
	h.in <- anomalyAt("error_rate", h.mock.Now(), models.SeverityHigh)
	h.settle()
	h.mock.Add(5 * time.Minute)
	h.expectCandidate(t)
}

func TestTimestampGapStartsNewGroup(t *testing.T) {
	h := newHarness(t, Options{Window: 5 * time.Minute, DedupWindow: 15 * time.Minute})
	base := h.mock.Now()

	h.in <- anomalyAt("error_rate", base, models.SeverityLow)
	h.in <- anomalyAt("latency_p99", base.Add(7*time.Minute), models.SeverityHigh)
	h.settle()

	// The second anomaly is stamped past the first group's window, so
	// the first group flushes immediately without any clock movement.
	first := h.expectCandidate(t)
	if len(first.Anomalies) != 1 || first.Anomalies[0].MetricName != "error_rate" {
		t.Fatalf("first candidate = %v, want the lone error_rate anomaly", first.MetricNames())
	}

	h.mock.Add(5 * time.Minute)
	second := h.expectCandidate(t)
	if len(second.Anomalies) != 1 || second.Anomalies[0].MetricName != "latency_p99" {
		t.Fatalf("second candidate = %v, want the lone latency_p99 anomaly", second.MetricNames())
	}
}

func TestOversizeGroupFlushesEarly(t *testing.T) {
	h := newHarness(t, Options{Window: 5 * time.Minute, DedupWindow: 15 * time.Minute, MaxGroupSize: 3})
	base := h.mock.Now()

	h.in <- anomalyAt("error_rate", base, models.SeverityLow)
	h.in <- anomalyAt("latency_p99", base.Add(time.Second), models.SeverityLow)
	h.in <- anomalyAt("cpu_usage", base.Add(2*time.Second), models.SeverityLow)
	h.settle()

	cand := h.expectCandidate(t)
	if len(cand.Anomalies) != 3 {
		t.Fatalf("oversize flush holds %d anomalies, want 3", len(cand.Anomalies))
	}
}

func TestShutdownFlushesPendingGroup(t *testing.T) {
	h := newHarness(t, Options{Window: 5 * time.Minute, DedupWindow: 15 * time.Minute})
	base := h.mock.Now()

	h.in <- anomalyAt("error_rate", base, models.SeverityHigh)
	h.settle()
	h.stop()
	<-h.done

	cand, ok := <-h.agg.Candidates()
	if !ok {
		t.Fatal("pending group was dropped on shutdown")
	}
	if len(cand.Anomalies) != 1 {
		t.Fatalf("shutdown flush holds %d anomalies, want 1", len(cand.Anomalies))
	}
	if _, ok := <-h.agg.Candidates(); ok {
		t.Fatal("candidate channel must close after Run returns")
	}
}
