package models

import "time"

// IncidentStatus tracks the lifecycle stage of an incident.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusRemediating   IncidentStatus = "remediating"
	StatusResolved      IncidentStatus = "resolved"
	StatusEscalated     IncidentStatus = "escalated"
	StatusArchived      IncidentStatus = "archived"
)

var statusRank = map[IncidentStatus]int{
	StatusOpen:          1,
	StatusInvestigating: 2,
	StatusRemediating:   3,
	StatusResolved:      4,
	StatusEscalated:     4,
	StatusArchived:      5,
}

// ValidStatusChange reports whether an incident may move from one status
// to another. Transitions only advance; resolved and escalated are
// alternative outcomes at the same stage and never replace each other.
func ValidStatusChange(from, to IncidentStatus) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// TimeRange bounds a signal window for analysis.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Finding is the result of one investigator's look at an incident. A
// timed-out or failed investigator still yields a Finding with Err set.
type Finding struct {
	Source       DataType          `json:"source"`
	Investigator string            `json:"investigator"`
	Narrative    string            `json:"narrative"`
	Evidence     map[string]string `json:"evidence,omitempty"`
	Err          string            `json:"err,omitempty"`
	Elapsed      time.Duration     `json:"elapsed"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// Failed reports whether the finding records an investigator error
// rather than evidence.
func (f Finding) Failed() bool {
	return f.Err != ""
}

// RootCauseHypothesis is the correlation engine's verdict. Confidence is
// in [0,1] and is set exactly once per incident.
type RootCauseHypothesis struct {
	Statement          string    `json:"statement"`
	Confidence         float64   `json:"confidence"`
	SupportingFindings []string  `json:"supporting_findings,omitempty"`
	DecidedAt          time.Time `json:"decided_at,omitempty"`
}

// IncidentCandidate groups anomalies that arrived within one aggregation
// window. Severity is the maximum of its members.
type IncidentCandidate struct {
	Anomalies []Anomaly `json:"anomalies"`
	Severity  Severity  `json:"severity"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// MetricNames returns the distinct metric names across the candidate's
// anomalies, in first-seen order.
func (c IncidentCandidate) MetricNames() []string {
	seen := make(map[string]struct{}, len(c.Anomalies))
	names := make([]string, 0, len(c.Anomalies))
	for _, a := range c.Anomalies {
		if _, ok := seen[a.MetricName]; ok {
			continue
		}
		seen[a.MetricName] = struct{}{}
		names = append(names, a.MetricName)
	}
	return names
}

// Incident is the aggregate the orchestration loop drives from detection
// to closure. Exactly one worker owns an incident at a time; stages
// mutate only the fields they are responsible for.
type Incident struct {
	ID         string               `json:"id"`
	Severity   Severity             `json:"severity"`
	Status     IncidentStatus       `json:"status"`
	OpenedAt   time.Time            `json:"opened_at"`
	ClosedAt   time.Time            `json:"closed_at,omitempty"`
	Symptoms   []string             `json:"symptoms"`
	Services   []string             `json:"services,omitempty"`
	Anomalies  []Anomaly            `json:"anomalies"`
	Findings   []Finding            `json:"findings,omitempty"`
	RootCause  *RootCauseHypothesis `json:"root_cause,omitempty"`
	Confidence float64              `json:"confidence"`
	Attempts   []RemediationAttempt `json:"attempts,omitempty"`
	Escalation *EscalationDecision  `json:"escalation,omitempty"`
}

// MetricNames returns the distinct metric names across the incident's
// anomalies, in first-seen order.
func (in *Incident) MetricNames() []string {
	return IncidentCandidate{Anomalies: in.Anomalies}.MetricNames()
}

// Window returns the time range covered by the incident's anomalies,
// falling back to the opening time when there are none.
func (in *Incident) Window() TimeRange {
	if len(in.Anomalies) == 0 {
		return TimeRange{Start: in.OpenedAt, End: in.OpenedAt}
	}
	tr := TimeRange{Start: in.Anomalies[0].Timestamp, End: in.Anomalies[0].Timestamp}
	for _, a := range in.Anomalies[1:] {
		if a.Timestamp.Before(tr.Start) {
			tr.Start = a.Timestamp
		}
		if a.Timestamp.After(tr.End) {
			tr.End = a.Timestamp
		}
	}
	return tr
}
