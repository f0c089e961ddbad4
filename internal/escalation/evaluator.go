// Package escalation decides when an incident needs humans. The
// decision is a pure function over incident state and a per-severity
// policy table; notification delivery lives behind the Notifier and is
// fire-and-forget.
package escalation

import (
	"fmt"
	"time"

	"github.com/aegisstack/aegis-ir/internal/config"
	"github.com/aegisstack/aegis-ir/internal/models"
)

// Input is everything Decide may consider. Identical inputs always
// produce identical decisions.
type Input struct {
	Severity     models.Severity
	Confidence   float64
	AttemptsMade int
	// Outcome is the terminal state of the last remediation attempt,
	// or empty when remediation never ran.
	Outcome models.AttemptState
	// OutcomeReason carries the remediation engine's refusal reason
	// when Outcome is no_action (risk gate, open breaker, no match).
	OutcomeReason    string
	ElapsedSinceOpen time.Duration
}

// Evaluator applies the escalation rules against a policy table.
type Evaluator struct {
	policies map[models.Severity]models.SeverityPolicy
}

// NewEvaluator constructs an Evaluator. Severities missing from the
// table fall back to the configuration defaults so every incident has
// limits.
func NewEvaluator(policies map[models.Severity]models.SeverityPolicy) *Evaluator {
	merged := config.DefaultSeverityPolicies()
	for sev, p := range policies {
		merged[sev] = p
	}
	return &Evaluator{policies: merged}
}

// Policy returns the operating limits for a severity.
func (e *Evaluator) Policy(sev models.Severity) models.SeverityPolicy {
	if p, ok := e.policies[sev]; ok {
		return p
	}
	return e.policies[models.SeverityMedium]
}

// MaxAttempts returns the remediation attempt budget for a severity.
func (e *Evaluator) MaxAttempts(sev models.Severity) int {
	return e.Policy(sev).MaxAttempts
}

// Decide evaluates the escalation rules in order; the first match
// determines reason and channels. A failed rollback overrides whatever
// rule fired: it always escalates with the urgent marker and pages the
// urgent channel tier, whatever the incident's own severity.
func (e *Evaluator) Decide(in Input) models.EscalationDecision {
	d := e.decide(in, e.Policy(in.Severity))
	if in.Outcome == models.StateRollbackFailed {
		d.Escalate = true
		d.Urgent = true
		d.Rule = "rollback_failed"
		d.Reason = fmt.Sprintf("%s: rollback failed after %d attempt(s)", models.UrgentMarker, in.AttemptsMade)
		d.Channels = e.urgentChannels()
	}
	return d
}

func (e *Evaluator) decide(in Input, policy models.SeverityPolicy) models.EscalationDecision {
	switch {
	case in.Severity == models.SeverityCritical:
		return models.EscalationDecision{
			Escalate: true,
			Rule:     "critical_severity",
			Reason:   "critical severity",
			Channels: e.allChannels(),
		}

	case in.Confidence < policy.ConfidenceThreshold:
		return models.EscalationDecision{
			Escalate: true,
			Rule:     "low_confidence",
			Reason:   fmt.Sprintf("low confidence (%.2f < %.2f)", in.Confidence, policy.ConfidenceThreshold),
			Channels: policy.Channels,
		}

	case in.Outcome == models.StateFailed && in.AttemptsMade >= policy.MaxAttempts:
		return models.EscalationDecision{
			Escalate: true,
			Rule:     "attempts_exhausted",
			Reason:   fmt.Sprintf("remediation exhausted after %d attempt(s)", in.AttemptsMade),
			Channels: policy.Channels,
		}

	case in.Outcome == models.StateRolledBack:
		// The fix was withdrawn; production is still degraded and the
		// machine has no further moves.
		return models.EscalationDecision{
			Escalate: true,
			Rule:     "rolled_back",
			Reason:   "remediation rolled back",
			Channels: policy.Channels,
		}

	case in.Outcome == models.StateNoAction:
		reason := in.OutcomeReason
		if reason == "" {
			reason = "no remediation action available"
		}
		return models.EscalationDecision{
			Escalate: true,
			Rule:     "no_action",
			Reason:   reason,
			Channels: policy.Channels,
		}

	case slaAtRisk(in.ElapsedSinceOpen, policy.SLATargetMinutes):
		return models.EscalationDecision{
			Escalate: true,
			Rule:     "sla_risk",
			Reason:   "SLA risk",
			Channels: policy.Channels,
		}
	}

	return models.EscalationDecision{Rule: "auto_handled", Reason: "auto-handled"}
}

// slaAtRisk fires once three quarters of the severity's SLA budget is
// spent, leaving the on-call a margin to act.
func slaAtRisk(elapsed time.Duration, slaMinutes int) bool {
	if slaMinutes <= 0 {
		return false
	}
	return elapsed.Minutes() > float64(slaMinutes)*0.75
}

// urgentChannels is the tier paged for unrecoverable states,
// independent of the incident's own severity.
func (e *Evaluator) urgentChannels() []string {
	return e.Policy(models.SeverityCritical).Channels
}

// allChannels unions every tier's channels, preserving first-seen order.
func (e *Evaluator) allChannels() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sev := range []models.Severity{
		models.SeverityCritical,
		models.SeverityHigh,
		models.SeverityMedium,
		models.SeverityLow,
	} {
		for _, ch := range e.policies[sev].Channels {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			out = append(out, ch)
		}
	}
	return out
}
