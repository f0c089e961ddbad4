// Package aggregator time-windows raw anomalies into incident
// candidates and suppresses repeats of recently-seen symptoms. It runs
// as a single goroutine so grouping stays deterministic; backpressure
// is absorbed upstream by the bounded anomaly queue, never by blocking
// producers.
package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/aegisstack/aegis-ir/internal/metrics"
	"github.com/aegisstack/aegis-ir/internal/models"
)

// Options tune the aggregation and dedup windows.
type Options struct {
	// Window bounds a group: anomalies stamped within Window of the
	// group's first anomaly join it, later ones start a new group.
	Window time.Duration
	// DedupWindow suppresses candidates whose metric names overlap a
	// candidate accepted within this much time.
	DedupWindow time.Duration
	// MaxGroupSize force-flushes a pathological group early so memory
	// stays bounded during an anomaly storm.
	MaxGroupSize   int
	DedupIndexSize int
	OutputBuffer   int
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Aggregator consumes anomalies from a bounded queue and emits
// deduplicated incident candidates.
type Aggregator struct {
	in  <-chan models.Anomaly
	out chan models.IncidentCandidate

	window      time.Duration
	dedupWindow time.Duration
	maxGroup    int

	clock  clock.Clock
	logger *slog.Logger

	// dedup maps metric name to the acceptance time of the last
	// candidate that contained it. The LRU TTL only bounds memory;
	// the dedup decision compares against the injected clock.
	dedup *expirable.LRU[string, time.Time]

	group []models.Anomaly
}

// New constructs an Aggregator reading from in. Call Run to start it.
func New(in <-chan models.Anomaly, opts Options) *Aggregator {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 15 * time.Minute
	}
	if opts.MaxGroupSize <= 0 {
		opts.MaxGroupSize = 256
	}
	if opts.DedupIndexSize <= 0 {
		opts.DedupIndexSize = 1024
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = 16
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		in:          in,
		out:         make(chan models.IncidentCandidate, opts.OutputBuffer),
		window:      opts.Window,
		dedupWindow: opts.DedupWindow,
		maxGroup:    opts.MaxGroupSize,
		clock:       opts.Clock,
		logger:      opts.Logger,
		dedup:       expirable.NewLRU[string, time.Time](opts.DedupIndexSize, nil, opts.DedupWindow),
	}
}

// Candidates is the stream of accepted incident candidates. It closes
// after Run returns.
func (a *Aggregator) Candidates() <-chan models.IncidentCandidate {
	return a.out
}

// Run loops until the context is cancelled or the input channel
// closes, then flushes the pending group and closes the output.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.out)

	var timer *clock.Timer
	var flushC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			flushC = nil
		}
	}
	startTimer := func() {
		timer = a.clock.Timer(a.window)
		flushC = timer.C
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			a.flush(ctx)
			return

		case an, ok := <-a.in:
			if !ok {
				a.flush(ctx)
				return
			}
			if len(a.group) > 0 && an.Timestamp.Sub(a.group[0].Timestamp) > a.window {
				// Stamped past the open window: close the group out
				// and let this anomaly seed the next one.
				a.flush(ctx)
				stopTimer()
			}
			a.group = append(a.group, an)
			if len(a.group) == 1 {
				startTimer()
			}
			if len(a.group) >= a.maxGroup {
				a.flush(ctx)
				stopTimer()
			}

		case <-flushC:
			a.flush(ctx)
			stopTimer()
		}
	}
}

// flush turns the pending group into a candidate and either emits or
// suppresses it. No-op when the group is empty.
func (a *Aggregator) flush(ctx context.Context) {
	if len(a.group) == 0 {
		return
	}
	cand := a.candidate()
	a.group = nil

	if name := a.duplicateOf(cand); name != "" {
		metrics.ObserveDeduplicated()
		a.logger.Info("suppressed duplicate candidate",
			slog.String("metric", name),
			slog.Int("anomalies", len(cand.Anomalies)),
		)
		return
	}

	now := a.clock.Now()
	for _, name := range cand.MetricNames() {
		a.dedup.Add(name, now)
	}

	a.logger.Info("incident candidate accepted",
		slog.String("severity", string(cand.Severity)),
		slog.Int("anomalies", len(cand.Anomalies)),
	)

	// Prefer the send while buffer room exists; a racing cancellation
	// must not drop the closing flush.
	select {
	case a.out <- cand:
		return
	default:
	}
	select {
	case a.out <- cand:
	case <-ctx.Done():
	}
}

func (a *Aggregator) candidate() models.IncidentCandidate {
	first := a.group[0].Timestamp
	last := first
	sev := a.group[0].Severity
	for _, an := range a.group[1:] {
		if an.Timestamp.Before(first) {
			first = an.Timestamp
		}
		if an.Timestamp.After(last) {
			last = an.Timestamp
		}
		sev = models.MaxSeverity(sev, an.Severity)
	}
	return models.IncidentCandidate{
		Anomalies: a.group,
		Severity:  sev,
		FirstSeen: first,
		LastSeen:  last,
	}
}

// duplicateOf returns the first member metric name that matched a
// recently accepted candidate, or "" when the candidate is fresh.
func (a *Aggregator) duplicateOf(cand models.IncidentCandidate) string {
	now := a.clock.Now()
	for _, name := range cand.MetricNames() {
		if at, ok := a.dedup.Get(name); ok && now.Sub(at) < a.dedupWindow {
			return name
		}
	}
	return ""
}
