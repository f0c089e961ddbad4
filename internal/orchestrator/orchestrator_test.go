package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aegisstack/aegis-ir/internal/escalation"
	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/orchestrator/journal"
	"github.com/aegisstack/aegis-ir/internal/remediation"
)

type fakeInvestigator struct {
	mu       sync.Mutex
	calls    int
	findings []models.Finding
	err      error
}

func (f *fakeInvestigator) Investigate(_ context.Context, inc *models.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	inc.Findings = append(inc.Findings, f.findings...)
	return f.err
}

type fakeCorrelator struct {
	mu         sync.Mutex
	calls      int
	confidence float64
	statement  string
}

func (f *fakeCorrelator) Correlate(_ context.Context, inc *models.Incident) models.RootCauseHypothesis {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	hyp := models.RootCauseHypothesis{Statement: f.statement, Confidence: f.confidence}
	inc.RootCause = &hyp
	inc.Confidence = hyp.Confidence
	return hyp
}

func (f *fakeCorrelator) Floor() float64 { return 0.5 }

type fakeRemediator struct {
	mu      sync.Mutex
	calls   int
	budgets []int
	result  remediation.Result
	// attempt, when non-empty, is appended to the incident so outcome
	// dependent assertions see a populated attempt log.
	attempt models.AttemptState
}

func (f *fakeRemediator) Remediate(_ context.Context, inc *models.Incident, maxAttempts int) remediation.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.budgets = append(f.budgets, maxAttempts)
	if f.attempt != "" {
		inc.Attempts = append(inc.Attempts, models.RemediationAttempt{
			ID:         "att-1",
			IncidentID: inc.ID,
			Action:     models.RemediationAction{Kind: "restart_service"},
			State:      f.attempt,
		})
	}
	return f.result
}

type fakeNotifier struct {
	mu        sync.Mutex
	calls     int
	lastRule  string
	lastHadID string
	urgent    bool
}

func (f *fakeNotifier) Notify(_ context.Context, inc *models.Incident, decision models.EscalationDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastRule = decision.Rule
	f.lastHadID = inc.ID
	f.urgent = decision.Urgent
	return nil
}

func (f *fakeNotifier) snapshot() (int, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.lastRule, f.urgent
}

type fakeComposer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeComposer) Compose(_ context.Context, inc *models.Incident) models.Postmortem {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return models.Postmortem{
		IncidentID:  inc.ID,
		Title:       "test incident",
		Summary:     "summary",
		RootCause:   "root cause",
		Narrative:   "narrative",
		GeneratedAt: time.Now(),
	}
}

type fakeArchiver struct {
	mu       sync.Mutex
	outcomes []string
	statuses []models.IncidentStatus
	err      error
}

func (f *fakeArchiver) Archive(_ context.Context, inc *models.Incident, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
	f.statuses = append(f.statuses, inc.Status)
	return f.err
}

func (f *fakeArchiver) archived() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.outcomes...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candidate(sev models.Severity) models.IncidentCandidate {
	now := time.Now()
	return models.IncidentCandidate{
		Severity:  sev,
		FirstSeen: now.Add(-time.Minute),
		LastSeen:  now,
		Anomalies: []models.Anomaly{{
			MetricName:     "error_rate",
			Service:        "checkout",
			Timestamp:      now.Add(-time.Minute),
			Actual:         0.31,
			Expected:       0.02,
			DeviationScore: 7.2,
			Severity:       sev,
			Trend:          models.TrendIncreasing,
			Source:         models.SourceForecast,
		}},
	}
}

func runOnce(t *testing.T, o *Orchestrator, cand models.IncidentCandidate) {
	t.Helper()
	in := make(chan models.IncidentCandidate, 1)
	in <- cand
	close(in)

	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not drain")
	}
}

func TestRunResolvesIncident(t *testing.T) {
	inv := &fakeInvestigator{findings: []models.Finding{
		{Source: models.DataTypeLogs, Investigator: "log-scanner", Narrative: "error burst"},
	}}
	corr := &fakeCorrelator{confidence: 0.85, statement: "connection pool exhausted"}
	rem := &fakeRemediator{
		result:  remediation.Result{Outcome: models.StateSuccess, Reason: "verified improvement"},
		attempt: models.StateSuccess,
	}
	notifier := &fakeNotifier{}
	arch := &fakeArchiver{}

	o := New(Dependencies{
		Investigator: inv,
		Correlator:   corr,
		Remediator:   rem,
		Notifier:     notifier,
		Composer:     &fakeComposer{},
		Archiver:     arch,
	}, Options{Logger: quietLogger()})

	runOnce(t, o, candidate(models.SeverityHigh))

	if inv.calls != 1 || corr.calls != 1 || rem.calls != 1 {
		t.Fatalf("stage calls = %d/%d/%d, want 1/1/1", inv.calls, corr.calls, rem.calls)
	}
	if got := rem.budgets[0]; got != 2 {
		t.Fatalf("high severity attempt budget = %d, want 2", got)
	}
	if calls, _, _ := notifier.snapshot(); calls != 0 {
		t.Fatalf("resolved incident should not notify, got %d calls", calls)
	}
	outcomes := arch.archived()
	if len(outcomes) != 1 || outcomes[0] != string(models.StatusResolved) {
		t.Fatalf("archived outcomes = %v, want [resolved]", outcomes)
	}
}

func TestLowConfidenceSkipsRemediation(t *testing.T) {
	corr := &fakeCorrelator{confidence: 0.2, statement: "unclear"}
	rem := &fakeRemediator{result: remediation.Result{Outcome: models.StateSuccess}}
	notifier := &fakeNotifier{}
	arch := &fakeArchiver{}

	o := New(Dependencies{
		Investigator: &fakeInvestigator{},
		Correlator:   corr,
		Remediator:   rem,
		Notifier:     notifier,
		Archiver:     arch,
	}, Options{Logger: quietLogger()})

	runOnce(t, o, candidate(models.SeverityMedium))

	if rem.calls != 0 {
		t.Fatalf("remediator called %d times below the confidence floor", rem.calls)
	}
	calls, rule, _ := notifier.snapshot()
	if calls != 1 {
		t.Fatalf("notifier calls = %d, want 1", calls)
	}
	if rule != "low_confidence" {
		t.Fatalf("escalation rule = %q, want low_confidence", rule)
	}
	outcomes := arch.archived()
	if len(outcomes) != 1 || outcomes[0] != string(models.StatusEscalated) {
		t.Fatalf("archived outcomes = %v, want [escalated]", outcomes)
	}
}

func TestRollbackFailureEscalatesUrgently(t *testing.T) {
	corr := &fakeCorrelator{confidence: 0.9, statement: "bad deploy"}
	rem := &fakeRemediator{
		result:  remediation.Result{Outcome: models.StateRollbackFailed, Reason: "rollback timed out"},
		attempt: models.StateRollbackFailed,
	}
	notifier := &fakeNotifier{}

	o := New(Dependencies{
		Investigator: &fakeInvestigator{},
		Correlator:   corr,
		Remediator:   rem,
		Notifier:     notifier,
		Archiver:     &fakeArchiver{},
	}, Options{Logger: quietLogger()})

	runOnce(t, o, candidate(models.SeverityMedium))

	calls, rule, urgent := notifier.snapshot()
	if calls != 1 {
		t.Fatalf("notifier calls = %d, want 1", calls)
	}
	if rule != "rollback_failed" || !urgent {
		t.Fatalf("decision = %q urgent=%v, want rollback_failed urgent", rule, urgent)
	}
}

func TestCriticalAlwaysEscalates(t *testing.T) {
	corr := &fakeCorrelator{confidence: 0.95, statement: "cache stampede"}
	rem := &fakeRemediator{
		result:  remediation.Result{Outcome: models.StateSuccess, Reason: "verified improvement"},
		attempt: models.StateSuccess,
	}
	notifier := &fakeNotifier{}

	o := New(Dependencies{
		Investigator: &fakeInvestigator{},
		Correlator:   corr,
		Remediator:   rem,
		Notifier:     notifier,
		Archiver:     &fakeArchiver{},
	}, Options{Logger: quietLogger()})

	runOnce(t, o, candidate(models.SeverityCritical))

	if got := rem.budgets[0]; got != 1 {
		t.Fatalf("critical attempt budget = %d, want 1", got)
	}
	calls, rule, _ := notifier.snapshot()
	if calls != 1 || rule != "critical_severity" {
		t.Fatalf("notifier calls=%d rule=%q, want 1 critical_severity", calls, rule)
	}
}

func TestJournalLifecycle(t *testing.T) {
	dir := t.TempDir()
	jnl, err := journal.New(dir, quietLogger())
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}

	o := New(Dependencies{
		Investigator: &fakeInvestigator{},
		Correlator:   &fakeCorrelator{confidence: 0.9, statement: "leak"},
		Remediator:   &fakeRemediator{result: remediation.Result{Outcome: models.StateSuccess}, attempt: models.StateSuccess},
		Composer:     &fakeComposer{},
		Archiver:     &fakeArchiver{},
		Journal:      jnl,
	}, Options{Logger: quietLogger()})

	runOnce(t, o, candidate(models.SeverityLow))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read journal dir: %v", err)
	}
	var jsonFiles, mdFiles int
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".json":
			jsonFiles++
		case ".md":
			mdFiles++
		}
	}
	if jsonFiles != 0 {
		t.Fatalf("closed incident left %d snapshot(s) behind", jsonFiles)
	}
	if mdFiles != 1 {
		t.Fatalf("postmortem files = %d, want 1", mdFiles)
	}

	left, err := jnl.Resumable()
	if err != nil {
		t.Fatalf("Resumable: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("resumable after close = %d, want 0", len(left))
	}
}

func TestResumeRerunsInterruptedIncident(t *testing.T) {
	dir := t.TempDir()
	jnl, err := journal.New(dir, quietLogger())
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}

	// Snapshot from a process that died mid-remediation, one attempt in.
	interrupted := &models.Incident{
		ID:       "inc-resume",
		Severity: models.SeverityMedium,
		Status:   models.StatusRemediating,
		OpenedAt: time.Now().Add(-10 * time.Minute),
		Symptoms: []string{"error_rate on checkout increasing"},
		RootCause: &models.RootCauseHypothesis{
			Statement:  "connection pool exhausted",
			Confidence: 0.8,
		},
		Confidence: 0.8,
		Attempts: []models.RemediationAttempt{{
			ID:         "att-0",
			IncidentID: "inc-resume",
			Action:     models.RemediationAction{Kind: "clear_cache"},
			State:      models.StateFailed,
		}},
	}
	if err := jnl.Record(interrupted); err != nil {
		t.Fatalf("Record: %v", err)
	}

	inv := &fakeInvestigator{}
	rem := &fakeRemediator{result: remediation.Result{Outcome: models.StateSuccess}, attempt: models.StateSuccess}
	arch := &fakeArchiver{}

	o := New(Dependencies{
		Investigator: inv,
		Correlator:   &fakeCorrelator{confidence: 0.8},
		Remediator:   rem,
		Archiver:     arch,
		Journal:      jnl,
	}, Options{Logger: quietLogger()})

	in := make(chan models.IncidentCandidate)
	close(in)
	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not drain")
	}

	if inv.calls != 0 {
		t.Fatalf("resumed remediating incident re-ran investigation %d times", inv.calls)
	}
	if rem.calls != 1 {
		t.Fatalf("remediator calls = %d, want 1", rem.calls)
	}
	if got := arch.archived(); len(got) != 1 {
		t.Fatalf("archived = %v, want one entry", got)
	}
	left, err := jnl.Resumable()
	if err != nil {
		t.Fatalf("Resumable: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("resumable after resume+close = %d, want 0", len(left))
	}
}

func TestCancellationLeavesIncidentResumable(t *testing.T) {
	dir := t.TempDir()
	jnl, err := journal.New(dir, quietLogger())
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvestigator{err: context.Canceled}
	arch := &fakeArchiver{}

	o := New(Dependencies{
		Investigator: inv,
		Correlator:   &fakeCorrelator{confidence: 0.9},
		Archiver:     arch,
		Journal:      jnl,
	}, Options{Logger: quietLogger()})

	in := make(chan models.IncidentCandidate, 1)
	in <- candidate(models.SeverityHigh)
	cancel()

	done := make(chan struct{})
	go func() {
		o.Run(ctx, in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop on cancellation")
	}

	if len(arch.archived()) != 0 {
		t.Fatal("cancelled incident must not be archived")
	}
	// Whether the candidate was picked up before cancellation or not,
	// nothing may be lost: either it was never opened, or its snapshot
	// is resumable.
	left, err := jnl.Resumable()
	if err != nil {
		t.Fatalf("Resumable: %v", err)
	}
	for _, inc := range left {
		if inc.Status == models.StatusArchived {
			t.Fatalf("archived incident in resumable set: %s", inc.ID)
		}
	}
}

func TestSymptomLinesDedupAndName(t *testing.T) {
	a := models.Anomaly{
		MetricName:     "latency_p99",
		Service:        "payments",
		Actual:         2.4,
		Expected:       0.3,
		DeviationScore: 8.1,
		Severity:       models.SeverityHigh,
		Trend:          models.TrendIncreasing,
	}
	got := symptomsOf([]models.Anomaly{a, a})
	if len(got) != 1 {
		t.Fatalf("symptoms = %v, want one deduplicated line", got)
	}
	line := got[0]
	for _, want := range []string{"latency_p99", "payments", "increasing", "8.1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("symptom %q missing %q", line, want)
		}
	}
}

func TestEvaluatorDefaultsWhenNil(t *testing.T) {
	o := New(Dependencies{}, Options{Logger: quietLogger()})
	if o.evaluator == nil {
		t.Fatal("nil evaluator not defaulted")
	}
	if got := o.evaluator.MaxAttempts(models.SeverityCritical); got != 1 {
		t.Fatalf("default critical budget = %d, want 1", got)
	}
}

var _ escalation.Notifier = (*fakeNotifier)(nil)
