package investigation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/signal"
)

// TraceInvestigator looks for slow and errored spans in the affected
// services, scored against the window's own latency distribution.
type TraceInvestigator struct {
	source    signal.Source
	threshold float64
}

// NewTraceInvestigator constructs the trace evidence source with the
// default slow-span threshold of two standard deviations.
func NewTraceInvestigator(source signal.Source) *TraceInvestigator {
	return &TraceInvestigator{source: source, threshold: 2.0}
}

func (ti *TraceInvestigator) Name() string { return "trace-scanner" }

func (ti *TraceInvestigator) Source() models.DataType { return models.DataTypeTraces }

// Investigate summarises span health over the incident window.
func (ti *TraceInvestigator) Investigate(ctx context.Context, inc *models.Incident) (models.Finding, error) {
	window := contextWindow(inc)

	var spans []signal.TraceSpan
	for _, svc := range serviceNames(inc) {
		got, err := ti.source.Traces(ctx, svc, window.Start, window.End)
		if err != nil {
			return models.Finding{}, fmt.Errorf("fetch traces for %q: %w", svc, err)
		}
		spans = append(spans, got...)
	}

	if len(spans) == 0 {
		return models.Finding{
			Narrative: "no trace activity recorded for the affected services in the incident window",
			Evidence:  map[string]string{"spans": "0"},
		}, nil
	}

	durations := make([]float64, len(spans))
	for i, s := range spans {
		durations[i] = s.Duration.Seconds()
	}
	mean := meanOf(durations)
	std := stdDevOf(durations, mean)
	if std == 0 {
		std = 0.01
	}

	errored := 0
	slow := 0
	var slowest signal.TraceSpan
	slowestScore := 0.0
	for i, s := range spans {
		if s.Status == "error" {
			errored++
		}
		score := (durations[i] - mean) / std
		if score >= ti.threshold {
			slow++
		}
		if score > slowestScore {
			slowestScore = score
			slowest = s
		}
	}

	evidence := map[string]string{
		"spans":       strconv.Itoa(len(spans)),
		"error_spans": strconv.Itoa(errored),
		"slow_spans":  strconv.Itoa(slow),
		"mean_ms":     strconv.FormatFloat(mean*1000, 'f', 1, 64),
	}

	narrative := fmt.Sprintf("%d spans in the window, %d errored, %d slow", len(spans), errored, slow)
	if slowest.Operation != "" && slowestScore >= ti.threshold {
		evidence["slowest_operation"] = slowest.Operation
		evidence["slowest_service"] = slowest.Service
		evidence["slowest_duration"] = slowest.Duration.Round(time.Millisecond).String()
		narrative += fmt.Sprintf("; slowest operation %s on %s at %s (%.1f sigma above mean)",
			slowest.Operation, slowest.Service, slowest.Duration.Round(time.Millisecond), slowestScore)
	}

	return models.Finding{Narrative: narrative, Evidence: evidence}, nil
}

func meanOf(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func stdDevOf(values []float64, mean float64) float64 {
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)))
}
