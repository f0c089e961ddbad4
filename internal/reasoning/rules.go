package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// RuleEngine is a deterministic Capability used when no language-model
// provider is configured, and as a predictable stand-in for tests. It
// answers the engine's structured prompts from a fixed signature table.
type RuleEngine struct{}

// NewRuleEngine constructs the fallback capability.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{}
}

type signature struct {
	keywords   []string
	statement  string
	class      string
	confidence float64
	autoFix    bool
}

var signatures = []signature{
	{
		keywords:   []string{"connection refused", "connection reset", "dial tcp", "unreachable"},
		statement:  "a downstream dependency became unreachable",
		class:      "dependency_failure",
		confidence: 0.75,
		autoFix:    true,
	},
	{
		keywords:   []string{"out of memory", "oomkilled", "memory_usage", "heap"},
		statement:  "memory exhaustion in the affected service",
		class:      "resource_exhaustion",
		confidence: 0.7,
		autoFix:    true,
	},
	{
		keywords:   []string{"no space left", "disk full", "disk_usage"},
		statement:  "disk capacity exhausted on the affected host",
		class:      "resource_exhaustion",
		confidence: 0.7,
		autoFix:    false,
	},
	{
		keywords:   []string{"deadline exceeded", "timeout", "latency_p99", "slow span"},
		statement:  "request latency breaching configured timeouts",
		class:      "latency_degradation",
		confidence: 0.6,
		autoFix:    true,
	},
	{
		keywords:   []string{"deploy", "rollout", "release", "new version"},
		statement:  "a regression introduced by a recent deploy",
		class:      "bad_deploy",
		confidence: 0.65,
		autoFix:    true,
	},
	{
		keywords:   []string{"error_rate", "5xx", "error burst", "http 500"},
		statement:  "an elevated server error rate in the affected service",
		class:      "service_errors",
		confidence: 0.6,
		autoFix:    true,
	},
}

// Complete answers based on the contract the system prompt asks for.
func (r *RuleEngine) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lowered := strings.ToLower(userPrompt)
	sig, matched := match(lowered)

	switch {
	case strings.Contains(systemPrompt, `"classification"`):
		out := FailureClassification{Classification: "unknown", Confidence: 0.2}
		if matched {
			out = FailureClassification{
				Classification: sig.class,
				Confidence:     sig.confidence,
				AutoFixable:    sig.autoFix,
			}
		}
		data, err := json.Marshal(out)
		return string(data), err
	case strings.Contains(systemPrompt, `"statement"`):
		out := RootCauseResult{Statement: "insufficient evidence for a dominant cause", Confidence: 0.3}
		if matched {
			out = RootCauseResult{Statement: sig.statement, Confidence: sig.confidence}
		}
		data, err := json.Marshal(out)
		return string(data), err
	default:
		return r.narrative(userPrompt, sig, matched), nil
	}
}

func match(lowered string) (signature, bool) {
	for _, sig := range signatures {
		for _, kw := range sig.keywords {
			if strings.Contains(lowered, kw) {
				return sig, true
			}
		}
	}
	return signature{}, false
}

func (r *RuleEngine) narrative(userPrompt string, sig signature, matched bool) string {
	cause := "the underlying cause could not be established automatically"
	if matched {
		cause = sig.statement
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The monitoring pipeline flagged abnormal behaviour and opened an incident. Evidence gathered during the investigation points to %s.\n\n", cause)
	b.WriteString("The response followed the standard runbook: automated investigation, remediation within policy limits, and review of the outcome. ")
	b.WriteString("Follow-ups should focus on strengthening the detection signal and validating the remediation policy for this failure class.")
	return b.String()
}
