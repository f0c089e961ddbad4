package remediation

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aegisstack/aegis-ir/internal/models"
)

// Resampler re-evaluates one watched metric on demand. The detector's
// poller implements this.
type Resampler interface {
	Resample(ctx context.Context, metricName string) (*models.Anomaly, error)
}

// Verifier checks whether an executed action actually helped: wait a
// settle period, re-sample the incident's metrics, and compare fresh
// severities against the opening ones.
type Verifier struct {
	resampler Resampler
	settle    time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// NewVerifier constructs a Verifier with the given settle period.
func NewVerifier(resampler Resampler, settle time.Duration, clk clock.Clock, logger *slog.Logger) *Verifier {
	if settle <= 0 {
		settle = time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{resampler: resampler, settle: settle, clock: clk, logger: logger}
}

// Verify waits for the settle period, then reports whether every
// triggering metric improved: no fresh anomaly, or at least one
// severity tier below its level at incident open.
func (v *Verifier) Verify(ctx context.Context, inc *models.Incident) (bool, error) {
	timer := v.clock.Timer(v.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}

	opening := openingSeverities(inc)
	for _, metric := range inc.MetricNames() {
		fresh, err := v.resampler.Resample(ctx, metric)
		if err != nil {
			return false, err
		}
		if fresh == nil {
			continue
		}
		if fresh.Severity.Rank() >= opening[metric].Rank() {
			v.logger.Info("metric did not improve",
				slog.String("incident", inc.ID),
				slog.String("metric", metric),
				slog.String("opening", string(opening[metric])),
				slog.String("fresh", string(fresh.Severity)),
			)
			return false, nil
		}
	}
	return true, nil
}

// openingSeverities returns the worst severity observed per metric when
// the incident opened.
func openingSeverities(inc *models.Incident) map[string]models.Severity {
	out := make(map[string]models.Severity, len(inc.Anomalies))
	for _, a := range inc.Anomalies {
		out[a.MetricName] = models.MaxSeverity(out[a.MetricName], a.Severity)
	}
	return out
}
