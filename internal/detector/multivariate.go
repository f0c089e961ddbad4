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
	"github.com/aegisstack/aegis-ir/internal/utils"
)

// OutlierModel scores a feature vector; higher means more anomalous.
type OutlierModel interface {
	Score(features []float64) (float64, error)
	Dim() int
}

// MahalanobisModel is the built-in outlier scorer: distance from the
// fitted mean, normalised per feature (diagonal covariance).
type MahalanobisModel struct {
	means []float64
	stds  []float64
}

// FitMahalanobis fits on a history matrix of shape [samples][features].
func FitMahalanobis(history [][]float64, dim int) (*MahalanobisModel, error) {
	if dim <= 0 {
		return nil, utils.ModelError("detector.fit", "outlier model needs at least one feature", nil)
	}
	if len(history) < 2 {
		return nil, utils.ModelError("detector.fit", "insufficient history for outlier model", nil)
	}

	means := make([]float64, dim)
	stds := make([]float64, dim)
	n := 0
	for _, row := range history {
		if len(row) != dim {
			continue
		}
		n++
		for i, v := range row {
			means[i] += v
		}
	}
	if n < 2 {
		return nil, utils.ModelError("detector.fit", "insufficient aligned rows for outlier model", nil)
	}
	for i := range means {
		means[i] /= float64(n)
	}
	for _, row := range history {
		if len(row) != dim {
			continue
		}
		for i, v := range row {
			d := v - means[i]
			stds[i] += d * d
		}
	}
	for i := range stds {
		stds[i] = math.Sqrt(stds[i] / float64(n))
		if stds[i] <= 0 {
			stds[i] = 0.01
		}
	}

	return &MahalanobisModel{means: means, stds: stds}, nil
}

// Score returns the diagonal Mahalanobis distance of the vector.
func (m *MahalanobisModel) Score(features []float64) (float64, error) {
	if len(features) != len(m.means) {
		return 0, fmt.Errorf("feature vector has %d values, model expects %d", len(features), len(m.means))
	}
	var sum float64
	for i, v := range features {
		z := (v - m.means[i]) / m.stds[i]
		sum += z * z
	}
	return math.Sqrt(sum), nil
}

// Dim returns the feature dimension.
func (m *MahalanobisModel) Dim() int { return len(m.means) }

// Means exposes the fitted per-feature means for leave-one-out scoring.
func (m *MahalanobisModel) Means() []float64 { return m.means }

// MultivariateOptions tune the joint detector.
type MultivariateOptions struct {
	Features         []Query
	ScoreThreshold   float64
	ContributionDrop float64
	TrailingWindow   time.Duration
	RetrainInterval  time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
	// Model overrides the built-in scorer, e.g. with an ONNX-backed one.
	// When set, fitting only computes feature means for leave-one-out.
	Model OutlierModel
}

// Multivariate watches a fixed feature vector and flags joint outliers
// that no single-metric model would catch.
type Multivariate struct {
	source signal.Source
	clock  clock.Clock
	logger *slog.Logger

	features         []Query
	threshold        float64
	contributionDrop float64
	trailingWindow   time.Duration
	retrainInterval  time.Duration

	external OutlierModel

	mu       sync.Mutex
	model    OutlierModel
	means    []float64
	fittedAt time.Time
}

// NewMultivariate constructs the joint detector.
func NewMultivariate(source signal.Source, opts MultivariateOptions) *Multivariate {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ScoreThreshold <= 0 {
		opts.ScoreThreshold = 3.0
	}
	if opts.ContributionDrop <= 0 {
		opts.ContributionDrop = 0.2
	}
	if opts.TrailingWindow <= 0 {
		opts.TrailingWindow = 24 * time.Hour
	}
	if opts.RetrainInterval <= 0 {
		opts.RetrainInterval = 24 * time.Hour
	}
	return &Multivariate{
		source:           source,
		clock:            opts.Clock,
		logger:           opts.Logger,
		features:         opts.Features,
		threshold:        opts.ScoreThreshold,
		contributionDrop: opts.ContributionDrop,
		trailingWindow:   opts.TrailingWindow,
		retrainInterval:  opts.RetrainInterval,
		external:         opts.Model,
	}
}

// Observe samples the feature vector and scores it. It returns
// (nil, nil) when the vector is within normal range.
func (m *Multivariate) Observe(ctx context.Context) (*models.Anomaly, error) {
	if len(m.features) == 0 {
		return nil, nil
	}

	if err := m.ensureFitted(ctx); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	vector := make([]float64, len(m.features))
	var at time.Time
	for i, q := range m.features {
		step := q.Step
		if step <= 0 {
			step = time.Minute
		}
		samples, err := m.source.QueryRange(ctx, q.Expr, now.Add(-3*step), now, step)
		if err != nil {
			return nil, fmt.Errorf("fetch feature %s: %w", q.Name, err)
		}
		if len(samples) == 0 {
			// A missing feature invalidates the joint vector this cycle.
			return nil, nil
		}
		last := samples[len(samples)-1]
		vector[i] = last.Value
		if last.Timestamp.After(at) {
			at = last.Timestamp
		}
	}

	m.mu.Lock()
	model := m.model
	means := m.means
	m.mu.Unlock()

	score, err := model.Score(vector)
	if err != nil {
		return nil, utils.ModelError("detector.multivariate", "outlier scoring failed", err)
	}
	if score <= m.threshold {
		return nil, nil
	}

	contributors := m.contributorsFor(model, means, vector, score)

	primary := m.features[0]
	if len(contributors) > 0 {
		for _, q := range m.features {
			if q.Name == contributors[0] {
				primary = q
				break
			}
		}
	}

	return &models.Anomaly{
		MetricName:     primary.Name,
		Service:        primary.Service,
		Timestamp:      at,
		Actual:         vector[indexOf(m.features, primary.Name)],
		Expected:       meanFor(means, m.features, primary.Name),
		DeviationScore: score,
		Severity:       SeverityForScore(score),
		Trend:          models.TrendUnknown,
		Source:         models.SourceMultivariate,
		Contributors:   contributors,
	}, nil
}

// contributorsFor identifies features whose removal (replacement with
// the fitted mean) drops the outlier score materially.
func (m *Multivariate) contributorsFor(model OutlierModel, means, vector []float64, base float64) []string {
	if base <= 0 || len(means) != len(vector) {
		return nil
	}
	var out []string
	scratch := make([]float64, len(vector))
	for i := range vector {
		copy(scratch, vector)
		scratch[i] = means[i]
		reduced, err := model.Score(scratch)
		if err != nil {
			continue
		}
		if (base-reduced)/base >= m.contributionDrop {
			out = append(out, m.features[i].Name)
		}
	}
	return out
}

func (m *Multivariate) ensureFitted(ctx context.Context) error {
	now := m.clock.Now()

	m.mu.Lock()
	ready := m.model != nil && now.Sub(m.fittedAt) < m.retrainInterval
	m.mu.Unlock()
	if ready {
		return nil
	}

	history, err := m.fetchHistory(ctx, now)
	if err != nil {
		return err
	}

	means, err := columnMeans(history, len(m.features))
	if err != nil {
		m.mu.Lock()
		stale := m.model != nil
		m.mu.Unlock()
		if stale {
			return nil
		}
		return err
	}

	model := m.external
	if model == nil {
		fitted, err := FitMahalanobis(history, len(m.features))
		if err != nil {
			m.mu.Lock()
			stale := m.model != nil
			m.mu.Unlock()
			if stale {
				return nil
			}
			return err
		}
		model = fitted
	}

	m.mu.Lock()
	m.model = model
	m.means = means
	m.fittedAt = now
	m.mu.Unlock()

	m.logger.Debug("multivariate model ready",
		slog.Int("features", len(m.features)),
		slog.Int("rows", len(history)),
	)
	return nil
}

// fetchHistory builds the aligned [rows][features] matrix from each
// feature's trailing window, truncated to the shortest series from the
// most recent end.
func (m *Multivariate) fetchHistory(ctx context.Context, now time.Time) ([][]float64, error) {
	series := make([][]signal.Sample, len(m.features))
	minLen := -1
	for i, q := range m.features {
		step := q.Step
		if step <= 0 {
			step = time.Minute
		}
		samples, err := m.source.QueryRange(ctx, q.Expr, now.Add(-m.trailingWindow), now, step)
		if err != nil {
			return nil, fmt.Errorf("fetch feature history %s: %w", q.Name, err)
		}
		series[i] = samples
		if minLen < 0 || len(samples) < minLen {
			minLen = len(samples)
		}
	}
	if minLen <= 0 {
		return nil, utils.ModelError("detector.fit", "no joint history for feature vector", nil)
	}

	rows := make([][]float64, minLen)
	for r := 0; r < minLen; r++ {
		row := make([]float64, len(m.features))
		for c := range m.features {
			s := series[c]
			row[c] = s[len(s)-minLen+r].Value
		}
		rows[r] = row
	}
	return rows, nil
}

func columnMeans(history [][]float64, dim int) ([]float64, error) {
	if len(history) == 0 {
		return nil, utils.ModelError("detector.fit", "empty history matrix", nil)
	}
	means := make([]float64, dim)
	n := 0
	for _, row := range history {
		if len(row) != dim {
			continue
		}
		n++
		for i, v := range row {
			means[i] += v
		}
	}
	if n == 0 {
		return nil, utils.ModelError("detector.fit", "no aligned rows in history matrix", nil)
	}
	for i := range means {
		means[i] /= float64(n)
	}
	return means, nil
}

func indexOf(features []Query, name string) int {
	for i, q := range features {
		if q.Name == name {
			return i
		}
	}
	return 0
}

func meanFor(means []float64, features []Query, name string) float64 {
	i := indexOf(features, name)
	if i < len(means) {
		return means[i]
	}
	return 0
}
