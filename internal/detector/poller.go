package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aegisstack/aegis-ir/internal/metrics"
	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

// Poller drives the detectors on a fixed interval and feeds anomalies
// into the aggregator's input channel. Detection failures never stop
// the loop; they are logged and the metric is skipped for the cycle.
type Poller struct {
	detector     *Detector
	multivariate *Multivariate
	queries      []Query
	interval     time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	out          chan<- models.Anomaly
}

// PollerOptions tune the polling loop.
type PollerOptions struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// NewPoller constructs a Poller emitting into out.
func NewPoller(d *Detector, multi *Multivariate, queries []Query, out chan<- models.Anomaly, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		detector:     d,
		multivariate: multi,
		queries:      queries,
		interval:     opts.Interval,
		clock:        opts.Clock,
		logger:       opts.Logger,
		out:          out,
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	for _, q := range p.queries {
		anomaly, err := p.detector.Observe(ctx, q)
		if err != nil {
			p.logObserveError(q.Name, err)
			continue
		}
		if anomaly != nil {
			p.emit(*anomaly)
		}
	}

	if p.multivariate == nil {
		return
	}
	anomaly, err := p.multivariate.Observe(ctx)
	if err != nil {
		p.logObserveError("multivariate", err)
		return
	}
	if anomaly != nil {
		p.emit(*anomaly)
	}
}

// Resample re-evaluates the named metric on demand, outside the polling
// cycle. Remediation verification uses this to compare post-fix behaviour
// against the incident's opening severity. Metrics the poller does not
// watch return (nil, nil).
func (p *Poller) Resample(ctx context.Context, metricName string) (*models.Anomaly, error) {
	for _, q := range p.queries {
		if q.Name == metricName {
			return p.detector.Observe(ctx, q)
		}
	}
	return nil, nil
}

func (p *Poller) logObserveError(name string, err error) {
	if utils.KindOf(err) == utils.KindModel {
		p.logger.Info("model not ready, skipping cycle",
			slog.String("metric", name),
			slog.Any("error", err),
		)
		return
	}
	p.logger.Warn("observation failed",
		slog.String("metric", name),
		slog.Any("error", err),
	)
}

func (p *Poller) emit(a models.Anomaly) {
	metrics.ObserveAnomaly(string(a.Severity), string(a.Source))
	p.logger.Info("anomaly detected",
		slog.String("metric", a.MetricName),
		slog.String("severity", string(a.Severity)),
		slog.Float64("score", a.DeviationScore),
	)
	// Detection must never stall on a slow consumer; the aggregator's
	// dedup window absorbs anything a full queue makes us drop.
	select {
	case p.out <- a:
	default:
		p.logger.Warn("anomaly queue full, dropping",
			slog.String("metric", a.MetricName),
		)
	}
}
