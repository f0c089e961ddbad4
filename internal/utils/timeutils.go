package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 parses an RFC 3339 timestamp, rejecting empty input.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// HumanDuration renders d the way a responder would say it aloud:
// "45s", "4m30s", "2h05m". Sub-second values read as "under 1s" so a
// fast incident never looks instantaneous in a report.
func HumanDuration(d time.Duration) string {
	if d < time.Second {
		return "under 1s"
	}
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d/time.Minute), int(d%time.Minute/time.Second))
	default:
		d = d.Round(time.Minute)
		return fmt.Sprintf("%dh%02dm", int(d/time.Hour), int(d%time.Hour/time.Minute))
	}
}
