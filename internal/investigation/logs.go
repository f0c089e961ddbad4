package investigation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/signal"
)

// LogInvestigator scans the affected services' logs for error surges
// and volume spikes against the window's own baseline.
type LogInvestigator struct {
	source signal.Source
}

// NewLogInvestigator constructs the log evidence source.
func NewLogInvestigator(source signal.Source) *LogInvestigator {
	return &LogInvestigator{source: source}
}

func (li *LogInvestigator) Name() string { return "log-scanner" }

func (li *LogInvestigator) Source() models.DataType { return models.DataTypeLogs }

// Investigate summarises log volume and error signatures over the
// incident window.
func (li *LogInvestigator) Investigate(ctx context.Context, inc *models.Incident) (models.Finding, error) {
	window := contextWindow(inc)

	var entries []signal.LogEntry
	for _, svc := range serviceNames(inc) {
		got, err := li.source.Logs(ctx, svc, window.Start, window.End)
		if err != nil {
			return models.Finding{}, fmt.Errorf("fetch logs for %q: %w", svc, err)
		}
		entries = append(entries, got...)
	}

	if len(entries) == 0 {
		return models.Finding{
			Narrative: "no log activity recorded for the affected services in the incident window",
			Evidence:  map[string]string{"entries": "0"},
		}, nil
	}

	total := 0
	errorCount := 0
	byMessage := make(map[string]int)
	for _, e := range entries {
		n := e.Count
		if n <= 0 {
			n = 1
		}
		total += n
		if isErrorSeverity(e.Severity) {
			errorCount += n
			byMessage[e.Message] += n
		}
	}

	spikes := logSpikes(entries)

	evidence := map[string]string{
		"entries":       strconv.Itoa(total),
		"error_entries": strconv.Itoa(errorCount),
		"spikes":        strconv.Itoa(len(spikes)),
	}

	narrative := fmt.Sprintf("%d log entries in the window, %d at error level", total, errorCount)
	if msg, n := topMessage(byMessage); msg != "" {
		evidence["top_error"] = msg
		evidence["top_error_count"] = strconv.Itoa(n)
		narrative += fmt.Sprintf("; dominant error %q seen %d times", msg, n)
	}
	if len(spikes) > 0 {
		narrative += fmt.Sprintf("; %d volume spikes against the window baseline", len(spikes))
	}

	return models.Finding{Narrative: narrative, Evidence: evidence}, nil
}

// logSpikes flags entries whose count deviates hard from the rolling
// median, plus error entries running above 1.3x median volume.
func logSpikes(entries []signal.LogEntry) []signal.LogEntry {
	counts := make([]float64, 0, len(entries))
	for _, e := range entries {
		counts = append(counts, float64(e.Count))
	}

	median := percentile(counts, 0.5)
	mad := meanAbsoluteDeviation(counts, median)
	if mad == 0 {
		mad = 1
	}

	var spikes []signal.LogEntry
	for _, e := range entries {
		score := math.Abs(float64(e.Count)-median) / mad
		switch {
		case score >= 3:
			spikes = append(spikes, e)
		case isErrorSeverity(e.Severity) && float64(e.Count) > median*1.3:
			spikes = append(spikes, e)
		}
	}
	return spikes
}

func topMessage(byMessage map[string]int) (string, int) {
	best := ""
	bestN := 0
	for msg, n := range byMessage {
		if n > bestN || (n == bestN && msg < best) {
			best, bestN = msg, n
		}
	}
	return best, bestN
}

func isErrorSeverity(s string) bool {
	switch strings.ToLower(s) {
	case "error", "fatal", "critical":
		return true
	}
	return false
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}
