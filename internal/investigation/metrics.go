package investigation

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/aegisstack/aegis-ir/internal/detector"
	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/signal"
)

// MetricInvestigator replays the incident's triggering metrics over the
// padded window and reports how each moved.
type MetricInvestigator struct {
	source  signal.Source
	queries map[string]detector.Query
}

// NewMetricInvestigator constructs the metric evidence source. The
// query list maps incident metric names back to their range queries.
func NewMetricInvestigator(source signal.Source, queries []detector.Query) *MetricInvestigator {
	idx := make(map[string]detector.Query, len(queries))
	for _, q := range queries {
		idx[q.Name] = q
	}
	return &MetricInvestigator{source: source, queries: idx}
}

func (mi *MetricInvestigator) Name() string { return "metric-replay" }

func (mi *MetricInvestigator) Source() models.DataType { return models.DataTypeMetrics }

// Investigate computes per-metric movement across the incident window.
func (mi *MetricInvestigator) Investigate(ctx context.Context, inc *models.Incident) (models.Finding, error) {
	window := contextWindow(inc)
	evidence := make(map[string]string)

	biggest := ""
	biggestDelta := 0.0
	examined := 0

	for _, name := range inc.MetricNames() {
		q, ok := mi.queries[name]
		if !ok {
			evidence[name+"_query"] = "unknown"
			continue
		}
		samples, err := mi.source.QueryRange(ctx, q.Expr, window.Start, window.End, q.Step)
		if err != nil {
			return models.Finding{}, fmt.Errorf("replay %s: %w", name, err)
		}
		if len(samples) == 0 {
			evidence[name+"_samples"] = "0"
			continue
		}
		examined++

		first := samples[0].Value
		last := samples[len(samples)-1].Value
		minV, maxV := first, first
		for _, s := range samples {
			if s.Value < minV {
				minV = s.Value
			}
			if s.Value > maxV {
				maxV = s.Value
			}
		}

		evidence[name+"_first"] = formatValue(first)
		evidence[name+"_last"] = formatValue(last)
		evidence[name+"_max"] = formatValue(maxV)

		delta := deltaPercent(first, last)
		evidence[name+"_delta_pct"] = fmt.Sprintf("%.1f", delta)
		if math.Abs(delta) > math.Abs(biggestDelta) {
			biggest, biggestDelta = name, delta
		}
	}

	if examined == 0 {
		return models.Finding{
			Narrative: "no metric history available for the incident's symptoms",
			Evidence:  evidence,
		}, nil
	}

	direction := "rose"
	if biggestDelta < 0 {
		direction = "fell"
	}
	narrative := fmt.Sprintf("examined %d metrics across the window; %s %s %.1f%% and moved the most",
		examined, biggest, direction, math.Abs(biggestDelta))

	return models.Finding{Narrative: narrative, Evidence: evidence}, nil
}

func deltaPercent(first, last float64) float64 {
	if first == 0 {
		if last == 0 {
			return 0
		}
		return math.Copysign(100, last)
	}
	return (last - first) / math.Abs(first) * 100
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
