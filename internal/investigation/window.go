package investigation

import (
	"time"

	"github.com/aegisstack/aegis-ir/internal/models"
)

// contextPad widens the incident window backwards so investigators see
// the run-up to the first anomaly, not just the anomaly itself.
const contextPad = 10 * time.Minute

// tailPad catches signals landing just after the last anomaly.
const tailPad = 2 * time.Minute

func contextWindow(inc *models.Incident) models.TimeRange {
	w := inc.Window()
	return models.TimeRange{
		Start: w.Start.Add(-contextPad),
		End:   w.End.Add(tailPad),
	}
}

// serviceNames returns the incident's services, or a single empty name
// which backends treat as "all services".
func serviceNames(inc *models.Incident) []string {
	if len(inc.Services) == 0 {
		return []string{""}
	}
	return inc.Services
}
