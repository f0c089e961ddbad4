package models

import "time"

// UrgentMarker prefixes escalation reasons that demand immediate human
// intervention, such as a failed rollback.
const UrgentMarker = "URGENT: manual intervention required"

// EscalationDecision is the evaluator's verdict on whether humans need
// to be pulled in. A non-escalating decision still records its reason.
// Rule is the stable identifier of the rule that fired; Reason is the
// human-readable explanation and may embed incident-specific values.
type EscalationDecision struct {
	Escalate  bool      `json:"escalate"`
	Urgent    bool      `json:"urgent"`
	Rule      string    `json:"rule"`
	Reason    string    `json:"reason"`
	Channels  []string  `json:"channels,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// SeverityPolicy holds the per-severity operating limits consulted by
// remediation and escalation.
type SeverityPolicy struct {
	ConfidenceThreshold float64  `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxAttempts         int      `json:"max_attempts" yaml:"max_attempts"`
	SLATargetMinutes    int      `json:"sla_target_minutes" yaml:"sla_target_minutes"`
	Channels            []string `json:"channels" yaml:"channels"`
}
