package remediation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegisstack/aegis-ir/internal/models"
)

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `actions:
  - kind: restart_service
    description: rolling restart
    risk: medium
    timeout: 90s
  - kind: rollback_deployment
    risk: high
    requires_approval: true
    has_rollback: true
rules:
  - id: memory
    match:
      contains: ["memory leak", "oom"]
    action: restart_service
  - id: deploy
    match:
      contains: ["deployment"]
      severity: high
    action: rollback_deployment
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	restart, ok := p.Action("restart_service")
	if !ok {
		t.Fatal("restart_service missing from catalog")
	}
	if restart.RiskLevel != models.RiskMedium || restart.Timeout != 90*time.Second {
		t.Errorf("restart_service = %+v", restart)
	}
	rollback, _ := p.Action("rollback_deployment")
	if !rollback.RequiresApproval || !rollback.HasRollback || rollback.RiskLevel != models.RiskHigh {
		t.Errorf("rollback_deployment = %+v", rollback)
	}
}

func TestLoadPolicyDefaultsWhenMissing(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "absent.yaml")} {
		p, err := LoadPolicy(path)
		if err != nil {
			t.Fatalf("LoadPolicy(%q): %v", path, err)
		}
		if len(p.rules) == 0 || len(p.catalog) == 0 {
			t.Fatalf("LoadPolicy(%q) returned an empty pack", path)
		}
	}
}

func TestLoadPolicyRejectsUnknownAction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `actions:
  - kind: restart_service
rules:
  - id: memory
    match:
      contains: ["oom"]
    action: reboot_everything
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("expected an error for a rule naming an unknown action")
	}
}

func TestCandidatesOrderAndFilters(t *testing.T) {
	p := testPolicy(t, PolicyFile{
		Actions: []ActionSpec{
			{Kind: "clear_cache", Risk: "low"},
			{Kind: "restart_service", Risk: "medium"},
			{Kind: "rollback_deployment", Risk: "high"},
		},
		Rules: []Rule{
			{ID: "a", Match: RuleMatch{Contains: []string{"cache"}}, Action: "clear_cache"},
			{ID: "b", Match: RuleMatch{Contains: []string{"cache", "memory"}}, Action: "restart_service"},
			{ID: "c", Match: RuleMatch{Contains: []string{"cache"}, Severity: "critical"}, Action: "rollback_deployment"},
		},
	})

	got := p.Candidates("Cache hit rate collapsed", models.SeverityHigh, nil)
	if len(got) != 2 {
		t.Fatalf("candidates = %d", len(got))
	}
	if got[0].Kind != "clear_cache" || got[1].Kind != "restart_service" {
		t.Errorf("order = %s, %s", got[0].Kind, got[1].Kind)
	}

	crit := p.Candidates("cache hit rate collapsed", models.SeverityCritical, nil)
	if len(crit) != 3 {
		t.Errorf("critical candidates = %d, severity-scoped rule should join", len(crit))
	}

	excluded := p.Candidates("cache hit rate collapsed", models.SeverityHigh, map[string]bool{"clear_cache": true})
	if len(excluded) != 1 || excluded[0].Kind != "restart_service" {
		t.Errorf("excluded candidates = %+v", excluded)
	}

	if got := p.Candidates("", models.SeverityHigh, nil); got != nil {
		t.Errorf("empty statement matched %d rules", len(got))
	}
}

func TestDefaultPolicyMatchesStockCauses(t *testing.T) {
	p := DefaultPolicy()
	cases := map[string]string{
		"connection pool exhaustion in orders db": "kill_idle_connections",
		"regression introduced by release v42":    "rollback_deployment",
		"stale cache entries serving old prices":  "clear_cache",
		"memory leak in the checkout service":     "restart_service",
		"cpu saturation under traffic spike":      "scale_out",
	}
	for statement, want := range cases {
		got := p.Candidates(statement, models.SeverityHigh, nil)
		if len(got) == 0 {
			t.Errorf("%q matched nothing", statement)
			continue
		}
		if got[0].Kind != want {
			t.Errorf("%q selected %s, want %s", statement, got[0].Kind, want)
		}
	}
}
