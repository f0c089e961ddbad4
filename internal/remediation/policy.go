// Package remediation drives the attempt state machine: select an
// action from the policy pack, gate it on risk and breaker state,
// execute it, verify the effect, and roll back when the fix does not
// hold. Every pass leaves a terminal RemediationAttempt on the incident.
package remediation

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegisstack/aegis-ir/internal/models"
)

// Rule maps a root-cause pattern onto a catalog action. Rules are
// ordered; the first match wins.
type Rule struct {
	ID     string    `yaml:"id"`
	Match  RuleMatch `yaml:"match"`
	Action string    `yaml:"action"`
}

// RuleMatch defines the matching attributes of a rule. Contains is an
// any-of list matched case-insensitively against the root-cause
// statement; an empty Severity matches every severity.
type RuleMatch struct {
	Contains []string `yaml:"contains"`
	Severity string   `yaml:"severity"`
}

// ActionSpec is a catalog entry as written on disk.
type ActionSpec struct {
	Kind             string        `yaml:"kind"`
	Description      string        `yaml:"description"`
	Risk             string        `yaml:"risk"`
	RequiresApproval bool          `yaml:"requires_approval"`
	Timeout          time.Duration `yaml:"timeout"`
	HasRollback      bool          `yaml:"has_rollback"`
}

// PolicyFile is the YAML root structure of a remediation policy pack.
type PolicyFile struct {
	Actions []ActionSpec `yaml:"actions"`
	Rules   []Rule       `yaml:"rules"`
}

// Policy holds the ordered rule list and the action catalog it refers to.
type Policy struct {
	rules   []Rule
	catalog map[string]models.RemediationAction
}

// LoadPolicy reads a policy pack from disk. An empty or missing path
// yields the built-in pack.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPolicy(), nil
		}
		return nil, err
	}
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return buildPolicy(file)
}

func buildPolicy(file PolicyFile) (*Policy, error) {
	catalog := make(map[string]models.RemediationAction, len(file.Actions))
	for _, spec := range file.Actions {
		kind := strings.TrimSpace(spec.Kind)
		if kind == "" {
			return nil, fmt.Errorf("remediation action with empty kind")
		}
		if _, dup := catalog[kind]; dup {
			return nil, fmt.Errorf("remediation action %q declared twice", kind)
		}
		catalog[kind] = models.RemediationAction{
			Kind:             kind,
			Description:      spec.Description,
			RiskLevel:        models.ParseRiskLevel(spec.Risk),
			RequiresApproval: spec.RequiresApproval,
			Timeout:          spec.Timeout,
			HasRollback:      spec.HasRollback,
		}
	}
	for _, rule := range file.Rules {
		if len(rule.Match.Contains) == 0 {
			return nil, fmt.Errorf("remediation rule %q matches nothing", rule.ID)
		}
		if _, ok := catalog[rule.Action]; !ok {
			return nil, fmt.Errorf("remediation rule %q names unknown action %q", rule.ID, rule.Action)
		}
	}
	return &Policy{rules: file.Rules, catalog: catalog}, nil
}

// Action returns the catalog entry for a kind.
func (p *Policy) Action(kind string) (models.RemediationAction, bool) {
	a, ok := p.catalog[kind]
	return a, ok
}

// Candidates returns the actions of every matching rule in rule order,
// skipping excluded kinds and deduplicating repeats. An empty statement
// matches nothing; without a diagnosis there is nothing to fix.
func (p *Policy) Candidates(statement string, severity models.Severity, excluded map[string]bool) []models.RemediationAction {
	statement = strings.ToLower(statement)
	if strings.TrimSpace(statement) == "" {
		return nil
	}

	var out []models.RemediationAction
	seen := make(map[string]struct{})
	for _, rule := range p.rules {
		if excluded[rule.Action] {
			continue
		}
		if _, dup := seen[rule.Action]; dup {
			continue
		}
		if rule.Match.Severity != "" && models.ParseSeverity(rule.Match.Severity) != severity {
			continue
		}
		if !containsAny(statement, rule.Match.Contains) {
			continue
		}
		seen[rule.Action] = struct{}{}
		out = append(out, p.catalog[rule.Action])
	}
	return out
}

func containsAny(statement string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(statement, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// DefaultPolicy is the built-in pack covering the stock executor kinds.
func DefaultPolicy() *Policy {
	p, err := buildPolicy(PolicyFile{
		Actions: []ActionSpec{
			{
				Kind:        "kill_idle_connections",
				Description: "terminate idle database connections",
				Risk:        "low",
				Timeout:     30 * time.Second,
			},
			{
				Kind:        "clear_cache",
				Description: "flush the affected cache tier",
				Risk:        "low",
				Timeout:     30 * time.Second,
			},
			{
				Kind:        "restart_service",
				Description: "rolling restart of the affected service",
				Risk:        "medium",
				Timeout:     2 * time.Minute,
			},
			{
				Kind:        "scale_out",
				Description: "add capacity to the affected service",
				Risk:        "medium",
				Timeout:     3 * time.Minute,
				HasRollback: true,
			},
			{
				Kind:             "rollback_deployment",
				Description:      "revert the most recent deployment",
				Risk:             "high",
				RequiresApproval: true,
				Timeout:          5 * time.Minute,
				HasRollback:      true,
			},
		},
		Rules: []Rule{
			{
				ID:     "connection-exhaustion",
				Match:  RuleMatch{Contains: []string{"connection pool", "idle connection", "too many connections"}},
				Action: "kill_idle_connections",
			},
			{
				ID:     "bad-deploy",
				Match:  RuleMatch{Contains: []string{"deployment", "release", "rollout", "regression"}},
				Action: "rollback_deployment",
			},
			{
				ID:     "stale-cache",
				Match:  RuleMatch{Contains: []string{"cache", "stale entries", "hit rate"}},
				Action: "clear_cache",
			},
			{
				ID:     "memory-pressure",
				Match:  RuleMatch{Contains: []string{"memory leak", "out of memory", "oom", "heap"}},
				Action: "restart_service",
			},
			{
				ID:     "saturation",
				Match:  RuleMatch{Contains: []string{"saturation", "capacity", "traffic spike", "cpu"}},
				Action: "scale_out",
			},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("built-in remediation policy invalid: %v", err))
	}
	return p
}
