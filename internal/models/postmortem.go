package models

import "time"

// TimelineEvent records a notable progression during the incident window.
type TimelineEvent struct {
	Time     time.Time `json:"time"`
	Event    string    `json:"event"`
	Service  string    `json:"service,omitempty"`
	Severity Severity  `json:"severity,omitempty"`
	Source   DataType  `json:"source,omitempty"`
}

// Postmortem is the rendered closure document for an incident.
type Postmortem struct {
	IncidentID  string          `json:"incident_id"`
	Title       string          `json:"title"`
	Summary     string          `json:"summary"`
	RootCause   string          `json:"root_cause"`
	Narrative   string          `json:"narrative"`
	Timeline    []TimelineEvent `json:"timeline"`
	ActionItems []string        `json:"action_items,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}
