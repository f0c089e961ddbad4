package escalation

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aegisstack/aegis-ir/internal/config"
	"github.com/aegisstack/aegis-ir/internal/models"
)

// PolicyFile is the YAML root structure for a severity policy pack.
type PolicyFile struct {
	Policies map[string]PolicyEntry `yaml:"policies"`
}

// PolicyEntry is one severity's operating limits as written on disk.
// Zero fields inherit the built-in default for that severity.
type PolicyEntry struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	MaxAttempts         int      `yaml:"max_attempts"`
	SLATargetMinutes    int      `yaml:"sla_target_minutes"`
	Channels            []string `yaml:"channels"`
}

// LoadPolicies reads a severity policy pack. An empty or missing path
// returns nil so callers fall back to configuration defaults. Severity
// keys must be exact; silently coercing a typo to medium would loosen
// critical handling.
func LoadPolicies(path string) (map[models.Severity]models.SeverityPolicy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	out := make(map[models.Severity]models.SeverityPolicy, len(file.Policies))
	for key, entry := range file.Policies {
		sev, ok := severityKey(key)
		if !ok {
			return nil, fmt.Errorf("escalation policy %q: unknown severity", key)
		}
		if entry.ConfidenceThreshold < 0 || entry.ConfidenceThreshold > 1 {
			return nil, fmt.Errorf("escalation policy %q: confidence_threshold out of range", key)
		}
		out[sev] = mergeEntry(sev, entry)
	}
	return out, nil
}

func severityKey(raw string) (models.Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return models.SeverityLow, true
	case "medium":
		return models.SeverityMedium, true
	case "high":
		return models.SeverityHigh, true
	case "critical":
		return models.SeverityCritical, true
	default:
		return "", false
	}
}

func mergeEntry(sev models.Severity, entry PolicyEntry) models.SeverityPolicy {
	base := config.DefaultSeverityPolicies()[sev]
	if entry.ConfidenceThreshold > 0 {
		base.ConfidenceThreshold = entry.ConfidenceThreshold
	}
	if entry.MaxAttempts > 0 {
		base.MaxAttempts = entry.MaxAttempts
	}
	if entry.SLATargetMinutes > 0 {
		base.SLATargetMinutes = entry.SLATargetMinutes
	}
	if len(entry.Channels) > 0 {
		base.Channels = entry.Channels
	}
	return base
}
