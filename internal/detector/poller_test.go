package detector

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/signal"
)

func TestPollerEmitsAnomaliesOnTick(t *testing.T) {
	mock := clock.NewMock()

	src := &fakeSource{}
	src.queryRange = func(_ string, start, end time.Time, step time.Duration) ([]signal.Sample, error) {
		if end.Sub(start) > time.Hour {
			return stableSeries(end, 200, time.Minute, 100), nil
		}
		recent := stableSeries(end, 10, step, 100)
		recent[len(recent)-1].Value = 160
		return recent, nil
	}

	d := New(src, Options{Clock: mock, Logger: testLogger()})
	out := make(chan models.Anomaly, 4)
	p := NewPoller(d, nil, []Query{
		{Name: "error_rate", Expr: "err", Service: "checkout", Step: time.Minute},
	}, out, PollerOptions{Interval: time.Minute, Clock: mock, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Let the loop register its ticker before moving the clock.
	time.Sleep(10 * time.Millisecond)
	mock.Add(time.Minute)

	select {
	case got := <-out:
		if got.MetricName != "error_rate" {
			t.Fatalf("metric = %s, want error_rate", got.MetricName)
		}
		if got.Severity != models.SeverityCritical {
			t.Fatalf("severity = %s, want critical", got.Severity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no anomaly emitted after a poll cycle")
	}
}

func TestPollerSurvivesObservationErrors(t *testing.T) {
	mock := clock.NewMock()

	src := &fakeSource{}
	src.queryRange = func(_ string, start, end time.Time, _ time.Duration) ([]signal.Sample, error) {
		// Thin history keeps the model error path hot on every cycle.
		return stableSeries(end, 10, time.Minute, 100), nil
	}

	d := New(src, Options{Clock: mock, Logger: testLogger()})
	out := make(chan models.Anomaly, 1)
	p := NewPoller(d, nil, []Query{
		{Name: "cpu_usage", Expr: "cpu", Step: time.Minute},
	}, out, PollerOptions{Interval: time.Minute, Clock: mock, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mock.Add(time.Minute)
	mock.Add(time.Minute)

	select {
	case a := <-out:
		t.Fatalf("unexpected anomaly %s from a model that cannot fit", a.MetricName)
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on context cancellation")
	}
}
