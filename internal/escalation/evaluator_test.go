package escalation

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aegisstack/aegis-ir/internal/models"
)

func TestDecideCriticalEscalatesImmediately(t *testing.T) {
	ev := NewEvaluator(nil)

	// High confidence and a successful fix must not suppress the page.
	d := ev.Decide(Input{
		Severity:   models.SeverityCritical,
		Confidence: 0.95,
		Outcome:    models.StateSuccess,
	})

	if !d.Escalate {
		t.Fatal("critical incident did not escalate")
	}
	if d.Urgent {
		t.Error("critical severity alone should not set the urgent marker")
	}
	if d.Reason != "critical severity" {
		t.Errorf("reason = %q", d.Reason)
	}
	for _, want := range []string{"slack-oncall", "pagerduty", "email-leadership"} {
		if !containsChannel(d.Channels, want) {
			t.Errorf("channels %v missing %q", d.Channels, want)
		}
	}
}

func TestDecideRollbackFailedIsUrgent(t *testing.T) {
	ev := NewEvaluator(nil)

	// A medium incident whose rollback failed pages the urgent tier,
	// not the medium tier.
	d := ev.Decide(Input{
		Severity:     models.SeverityMedium,
		Confidence:   0.9,
		AttemptsMade: 1,
		Outcome:      models.StateRollbackFailed,
	})

	if !d.Escalate || !d.Urgent {
		t.Fatalf("escalate=%v urgent=%v, want both true", d.Escalate, d.Urgent)
	}
	if d.Rule != "rollback_failed" {
		t.Errorf("rule = %q", d.Rule)
	}
	if !strings.Contains(d.Reason, models.UrgentMarker) {
		t.Errorf("reason %q missing urgent marker", d.Reason)
	}
	critical := ev.Policy(models.SeverityCritical).Channels
	if !reflect.DeepEqual(d.Channels, critical) {
		t.Errorf("channels = %v, want urgent tier %v", d.Channels, critical)
	}
}

func TestDecideRuleOrder(t *testing.T) {
	ev := NewEvaluator(nil)

	cases := []struct {
		name         string
		in           Input
		wantEscalate bool
		wantRule     string
		wantReason   string
	}{
		{
			name: "low confidence beats healthy outcome",
			in: Input{
				Severity:   models.SeverityMedium,
				Confidence: 0.3,
				Outcome:    models.StateSuccess,
			},
			wantEscalate: true,
			wantRule:     "low_confidence",
			wantReason:   "low confidence",
		},
		{
			name: "remediation exhausted",
			in: Input{
				Severity:     models.SeverityMedium,
				Confidence:   0.8,
				AttemptsMade: 3,
				Outcome:      models.StateFailed,
			},
			wantEscalate: true,
			wantRule:     "attempts_exhausted",
			wantReason:   "remediation exhausted",
		},
		{
			name: "rolled back leaves production degraded",
			in: Input{
				Severity:     models.SeverityHigh,
				Confidence:   0.85,
				AttemptsMade: 1,
				Outcome:      models.StateRolledBack,
			},
			wantEscalate: true,
			wantRule:     "rolled_back",
			wantReason:   "remediation rolled back",
		},
		{
			name: "no action carries the gate reason",
			in: Input{
				Severity:      models.SeverityMedium,
				Confidence:    0.8,
				Outcome:       models.StateNoAction,
				OutcomeReason: "circuit open for restart_service",
			},
			wantEscalate: true,
			wantRule:     "no_action",
			wantReason:   "circuit open",
		},
		{
			name: "no action without a reason still explains itself",
			in: Input{
				Severity:   models.SeverityLow,
				Confidence: 0.8,
				Outcome:    models.StateNoAction,
			},
			wantEscalate: true,
			wantRule:     "no_action",
			wantReason:   "no remediation action available",
		},
		{
			name: "sla budget at risk",
			in: Input{
				Severity:         models.SeverityMedium,
				Confidence:       0.9,
				Outcome:          models.StateSuccess,
				ElapsedSinceOpen: 100 * time.Minute,
			},
			wantEscalate: true,
			wantRule:     "sla_risk",
			wantReason:   "SLA risk",
		},
		{
			name: "healthy resolution stays quiet",
			in: Input{
				Severity:         models.SeverityMedium,
				Confidence:       0.9,
				AttemptsMade:     1,
				Outcome:          models.StateSuccess,
				ElapsedSinceOpen: 10 * time.Minute,
			},
			wantEscalate: false,
			wantRule:     "auto_handled",
			wantReason:   "auto-handled",
		},
		{
			name: "failed but budget remains stays quiet",
			in: Input{
				Severity:     models.SeverityMedium,
				Confidence:   0.9,
				AttemptsMade: 1,
				Outcome:      models.StateFailed,
			},
			wantEscalate: false,
			wantRule:     "auto_handled",
			wantReason:   "auto-handled",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := ev.Decide(tc.in)
			if d.Escalate != tc.wantEscalate {
				t.Fatalf("escalate = %v, want %v (reason %q)", d.Escalate, tc.wantEscalate, d.Reason)
			}
			if d.Rule != tc.wantRule {
				t.Errorf("rule = %q, want %q", d.Rule, tc.wantRule)
			}
			if !strings.Contains(d.Reason, tc.wantReason) {
				t.Errorf("reason = %q, want it to mention %q", d.Reason, tc.wantReason)
			}
			if d.Escalate && len(d.Channels) == 0 {
				t.Error("escalation decided without channels")
			}
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	ev := NewEvaluator(nil)
	in := Input{
		Severity:         models.SeverityHigh,
		Confidence:       0.65,
		AttemptsMade:     2,
		Outcome:          models.StateFailed,
		ElapsedSinceOpen: 20 * time.Minute,
	}

	first := ev.Decide(in)
	for i := 0; i < 5; i++ {
		if got := ev.Decide(in); !reflect.DeepEqual(got, first) {
			t.Fatalf("decision changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestDecideUsesOverriddenPolicy(t *testing.T) {
	ev := NewEvaluator(map[models.Severity]models.SeverityPolicy{
		models.SeverityLow: {
			ConfidenceThreshold: 0.9,
			MaxAttempts:         1,
			SLATargetMinutes:    60,
			Channels:            []string{"slack-quiet"},
		},
	})

	d := ev.Decide(Input{Severity: models.SeverityLow, Confidence: 0.8})
	if !d.Escalate {
		t.Fatal("confidence below the raised threshold should escalate")
	}
	if !reflect.DeepEqual(d.Channels, []string{"slack-quiet"}) {
		t.Errorf("channels = %v", d.Channels)
	}
	if ev.MaxAttempts(models.SeverityLow) != 1 {
		t.Errorf("MaxAttempts = %d", ev.MaxAttempts(models.SeverityLow))
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	content := `policies:
  high:
    confidence_threshold: 0.75
    channels: [slack-sre, pagerduty]
  low:
    max_attempts: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	policies, err := LoadPolicies(path)
	if err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}

	high := policies[models.SeverityHigh]
	if high.ConfidenceThreshold != 0.75 {
		t.Errorf("high threshold = %v", high.ConfidenceThreshold)
	}
	if !reflect.DeepEqual(high.Channels, []string{"slack-sre", "pagerduty"}) {
		t.Errorf("high channels = %v", high.Channels)
	}
	// Unset fields inherit the defaults for that severity.
	if high.MaxAttempts != 2 {
		t.Errorf("high max attempts = %d", high.MaxAttempts)
	}
	low := policies[models.SeverityLow]
	if low.MaxAttempts != 5 {
		t.Errorf("low max attempts = %d", low.MaxAttempts)
	}
	if low.SLATargetMinutes != 240 {
		t.Errorf("low sla = %d", low.SLATargetMinutes)
	}
}

func TestLoadPoliciesMissingFile(t *testing.T) {
	policies, err := LoadPolicies("")
	if err != nil || policies != nil {
		t.Fatalf("empty path: policies=%v err=%v", policies, err)
	}
	policies, err = LoadPolicies(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || policies != nil {
		t.Fatalf("absent file: policies=%v err=%v", policies, err)
	}
}

func TestLoadPoliciesRejectsUnknownSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte("policies:\n  urgent:\n    max_attempts: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicies(path); err == nil {
		t.Fatal("expected an error for an unknown severity key")
	}
}

func containsChannel(channels []string, want string) bool {
	for _, ch := range channels {
		if ch == want {
			return true
		}
	}
	return false
}
