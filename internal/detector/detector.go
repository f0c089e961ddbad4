// Package detector turns raw metric streams into anomalies. A per-metric
// forecast model supplies expected intervals; deviations are scored in
// interval half-widths and mapped onto fixed severity bands.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/signal"
)

// Query names one metric series the detector watches.
type Query struct {
	Name    string
	Expr    string
	Service string
	Step    time.Duration
}

// Options tune the detector. Zero values fall back to defaults.
type Options struct {
	TrailingWindow   time.Duration
	RetrainInterval  time.Duration
	MinSamples       int
	SensitivityFloor float64
	Clock            clock.Clock
	Logger           *slog.Logger
}

// Detector evaluates configured metric queries against per-metric
// forecast models.
type Detector struct {
	source signal.Source
	clock  clock.Clock
	logger *slog.Logger

	trailingWindow   time.Duration
	retrainInterval  time.Duration
	minSamples       int
	sensitivityFloor float64

	mu     sync.Mutex
	fitted map[string]*fittedModel
}

type fittedModel struct {
	model    ForecastModel
	std      float64
	fittedAt time.Time
}

// New constructs a Detector reading from source.
func New(source signal.Source, opts Options) *Detector {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TrailingWindow <= 0 {
		opts.TrailingWindow = 24 * time.Hour
	}
	if opts.RetrainInterval <= 0 {
		opts.RetrainInterval = 24 * time.Hour
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 100
	}
	if opts.SensitivityFloor <= 0 {
		opts.SensitivityFloor = 2.0
	}
	return &Detector{
		source:           source,
		clock:            opts.Clock,
		logger:           opts.Logger,
		trailingWindow:   opts.TrailingWindow,
		retrainInterval:  opts.RetrainInterval,
		minSamples:       opts.MinSamples,
		sensitivityFloor: opts.SensitivityFloor,
		fitted:           make(map[string]*fittedModel),
	}
}

// SeverityForScore maps a deviation score in interval half-widths onto
// the fixed severity bands.
func SeverityForScore(score float64) models.Severity {
	switch {
	case score > 10:
		return models.SeverityCritical
	case score > 6:
		return models.SeverityHigh
	case score > 4:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Observe evaluates one query. It returns (nil, nil) when the metric is
// within its expected interval or below the sensitivity floor.
func (d *Detector) Observe(ctx context.Context, q Query) (*models.Anomaly, error) {
	if q.Step <= 0 {
		q.Step = time.Minute
	}

	fm, err := d.ensureModel(ctx, q)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	recent, err := d.source.QueryRange(ctx, q.Expr, now.Add(-10*q.Step), now, q.Step)
	if err != nil {
		return nil, fmt.Errorf("fetch latest samples for %s: %w", q.Name, err)
	}
	if len(recent) == 0 {
		return nil, nil
	}

	latest := recent[len(recent)-1]
	expected, low, high := fm.model.Predict(latest.Timestamp)
	hw := (high - low) / 2
	if hw <= 0 {
		hw = 0.01
	}
	score := math.Abs(latest.Value-expected) / hw

	if score <= d.sensitivityFloor {
		return nil, nil
	}

	return &models.Anomaly{
		MetricName:     q.Name,
		Service:        q.Service,
		Timestamp:      latest.Timestamp,
		Actual:         latest.Value,
		Expected:       expected,
		IntervalLow:    low,
		IntervalHigh:   high,
		DeviationScore: score,
		Severity:       SeverityForScore(score),
		Trend:          trendOf(recent, fm.std),
		Source:         models.SourceForecast,
	}, nil
}

// ensureModel returns the fitted model for q, refitting when absent or
// older than the retrain interval.
func (d *Detector) ensureModel(ctx context.Context, q Query) (*fittedModel, error) {
	now := d.clock.Now()

	d.mu.Lock()
	fm, ok := d.fitted[q.Name]
	d.mu.Unlock()
	if ok && now.Sub(fm.fittedAt) < d.retrainInterval {
		return fm, nil
	}

	history, err := d.source.QueryRange(ctx, q.Expr, now.Add(-d.trailingWindow), now, q.Step)
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", q.Name, err)
	}

	model, err := FitSeasonal(history, d.minSamples)
	if err != nil {
		// A stale model beats no model while history is thin.
		if ok {
			return fm, nil
		}
		return nil, err
	}

	fm = &fittedModel{model: model, std: model.globalStd, fittedAt: now}
	d.mu.Lock()
	d.fitted[q.Name] = fm
	d.mu.Unlock()

	d.logger.Debug("forecast model fitted",
		slog.String("metric", q.Name),
		slog.Int("samples", len(history)),
	)
	return fm, nil
}

// trendOf classifies the recent direction of the series relative to its
// historical spread.
func trendOf(recent []signal.Sample, std float64) models.Trend {
	if len(recent) < 3 {
		return models.TrendUnknown
	}
	if std <= 0 {
		std = 0.01
	}

	// Least-squares slope over the recent window, in value units per
	// sample index.
	n := float64(len(recent))
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range recent {
		x := float64(i)
		sumX += x
		sumY += s.Value
		sumXY += x * s.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return models.TrendStable
	}
	slope := (n*sumXY - sumX*sumY) / denom
	change := slope * (n - 1)

	switch {
	case change > 0.5*std:
		return models.TrendIncreasing
	case change < -0.5*std:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}
