package models

import (
	"strings"
	"time"
)

// DataType enumerates signal categories.
type DataType string

const (
	DataTypeMetrics DataType = "metrics"
	DataTypeLogs    DataType = "logs"
	DataTypeTraces  DataType = "traces"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of the severity, higher is worse.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

// ParseSeverity maps free-form severity text onto the known levels,
// defaulting to medium when the text is unrecognisable.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return SeverityLow
	case "medium", "moderate":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical", "fatal":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// MaxSeverity returns the worse of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Trend describes the recent direction of a metric around an anomaly.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
	TrendUnknown    Trend = "unknown"
)

// AnomalySource identifies which detector produced an anomaly.
type AnomalySource string

const (
	SourceForecast     AnomalySource = "forecast"
	SourceMultivariate AnomalySource = "multivariate"
)

// Anomaly is a single abnormal observation. Instances are immutable once
// created; downstream stages only read them.
type Anomaly struct {
	MetricName     string        `json:"metric_name"`
	Service        string        `json:"service,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	Actual         float64       `json:"actual"`
	Expected       float64       `json:"expected"`
	IntervalLow    float64       `json:"interval_low"`
	IntervalHigh   float64       `json:"interval_high"`
	DeviationScore float64       `json:"deviation_score"`
	Severity       Severity      `json:"severity"`
	Trend          Trend         `json:"trend"`
	Source         AnomalySource `json:"source"`
	// Contributors lists the feature names a multivariate detector
	// identified as driving the outlier score; empty for univariate.
	Contributors []string `json:"contributors,omitempty"`
}
