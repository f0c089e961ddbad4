package models

import (
	"strings"
	"time"
)

// RiskLevel grades how disruptive a remediation action can be.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var riskRank = map[RiskLevel]int{
	RiskLow:    1,
	RiskMedium: 2,
	RiskHigh:   3,
}

// Rank returns the ordinal position of the risk level, higher is riskier.
func (r RiskLevel) Rank() int {
	return riskRank[r]
}

// ParseRiskLevel maps risk text onto the known levels, defaulting to
// high so that unrecognised policy entries fail closed.
func ParseRiskLevel(raw string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return RiskLow
	case "medium", "moderate":
		return RiskMedium
	default:
		return RiskHigh
	}
}

// RemediationAction is a catalog entry describing one executable fix.
type RemediationAction struct {
	Kind             string        `json:"kind"`
	Description      string        `json:"description,omitempty"`
	RiskLevel        RiskLevel     `json:"risk_level"`
	RequiresApproval bool          `json:"requires_approval"`
	Timeout          time.Duration `json:"timeout"`
	HasRollback      bool          `json:"has_rollback"`
}

// AttemptState is a node in the remediation state machine.
type AttemptState string

const (
	StateSelecting      AttemptState = "selecting"
	StateRiskCheck      AttemptState = "risk_check"
	StateExecuting      AttemptState = "executing"
	StateVerifying      AttemptState = "verifying"
	StateSuccess        AttemptState = "success"
	StateFailed         AttemptState = "failed"
	StateRollingBack    AttemptState = "rolling_back"
	StateRolledBack     AttemptState = "rolled_back"
	StateRollbackFailed AttemptState = "rollback_failed"
	StateNoAction       AttemptState = "no_action"
)

var attemptTransitions = map[AttemptState][]AttemptState{
	StateSelecting:   {StateRiskCheck, StateNoAction},
	StateRiskCheck:   {StateExecuting, StateSelecting, StateNoAction},
	StateExecuting:   {StateVerifying, StateRollingBack, StateFailed},
	StateVerifying:   {StateSuccess, StateRollingBack, StateFailed},
	StateRollingBack: {StateRolledBack, StateRollbackFailed},
}

// CanTransition reports whether the state machine allows moving from s
// to next.
func (s AttemptState) CanTransition(next AttemptState) bool {
	for _, allowed := range attemptTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends an attempt.
func (s AttemptState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateRolledBack, StateRollbackFailed, StateNoAction:
		return true
	}
	return false
}

// RemediationAttempt records one pass through the remediation state
// machine for an incident. At most one attempt is in flight per incident.
type RemediationAttempt struct {
	ID         string            `json:"id"`
	IncidentID string            `json:"incident_id"`
	Action     RemediationAction `json:"action"`
	State      AttemptState      `json:"state"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	// FailureClass carries the structured classification of an execution
	// failure when one was obtained.
	FailureClass string `json:"failure_class,omitempty"`
}
