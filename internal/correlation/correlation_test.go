package correlation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aegisstack/aegis-ir/internal/models"
)

type fakeReasoner struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeReasoner) Complete(_ context.Context, _, userPrompt string) (string, error) {
	f.prompts = append(f.prompts, userPrompt)
	return f.response, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func incidentWithFindings(findings ...models.Finding) *models.Incident {
	return &models.Incident{
		ID:       "inc-1",
		Severity: models.SeverityHigh,
		Status:   models.StatusInvestigating,
		OpenedAt: time.Now(),
		Symptoms: []string{"error_rate deviation 8.0 sigma"},
		Findings: findings,
	}
}

func finding(source models.DataType, name string) models.Finding {
	return models.Finding{Source: source, Investigator: name, Narrative: "observed " + name}
}

func failedFinding(source models.DataType, name string) models.Finding {
	return models.Finding{Source: source, Investigator: name, Err: "deadline exceeded"}
}

func TestCorrelateSetsRootCauseAndConfidenceOnce(t *testing.T) {
	r := &fakeReasoner{response: `{"statement": "db pool exhausted", "confidence": 0.8}`}
	e := New(r, Options{Logger: testLogger()})

	inc := incidentWithFindings(
		finding(models.DataTypeLogs, "log-scanner"),
		finding(models.DataTypeMetrics, "metric-replay"),
		finding(models.DataTypeTraces, "trace-scanner"),
	)
	hyp := e.Correlate(context.Background(), inc)

	if hyp.Statement != "db pool exhausted" {
		t.Fatalf("statement = %q", hyp.Statement)
	}
	if inc.RootCause == nil || inc.RootCause.Statement != hyp.Statement {
		t.Fatalf("incident root cause not set: %+v", inc.RootCause)
	}
	if inc.Confidence != hyp.Confidence {
		t.Fatalf("incident confidence %v != hypothesis %v", inc.Confidence, hyp.Confidence)
	}
	// Three corroborating sources keep the model's claim nearly intact.
	want := 0.8*0.6 + 0.9*0.4
	if diff := hyp.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("confidence = %v, want %v", hyp.Confidence, want)
	}
	if len(hyp.SupportingFindings) != 3 {
		t.Fatalf("supporting findings = %v, want 3", hyp.SupportingFindings)
	}
}

func TestCalibrationCapsThinEvidence(t *testing.T) {
	r := &fakeReasoner{response: `{"statement": "cache stampede", "confidence": 0.9}`}
	e := New(r, Options{Logger: testLogger()})

	inc := incidentWithFindings(
		finding(models.DataTypeLogs, "log-scanner"),
		failedFinding(models.DataTypeMetrics, "metric-replay"),
		failedFinding(models.DataTypeTraces, "trace-scanner"),
	)
	hyp := e.Correlate(context.Background(), inc)

	want := 0.9*0.6 + 0.5*0.4
	if diff := hyp.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("single-source confidence = %v, want %v", hyp.Confidence, want)
	}
	if len(hyp.SupportingFindings) != 1 {
		t.Fatalf("failed findings must not support the hypothesis: %v", hyp.SupportingFindings)
	}
}

func TestMalformedResponseYieldsZeroConfidence(t *testing.T) {
	r := &fakeReasoner{response: "I could not determine anything useful."}
	e := New(r, Options{Logger: testLogger()})

	inc := incidentWithFindings(finding(models.DataTypeLogs, "log-scanner"))
	hyp := e.Correlate(context.Background(), inc)

	if hyp.Statement != "" || hyp.Confidence != 0 {
		t.Fatalf("parse failure must yield empty hypothesis, got %+v", hyp)
	}
	if inc.RootCause == nil {
		t.Fatal("incident must still record the empty hypothesis")
	}
	if inc.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", inc.Confidence)
	}
}

func TestReasonerErrorYieldsZeroConfidence(t *testing.T) {
	r := &fakeReasoner{err: errors.New("upstream 503")}
	e := New(r, Options{Logger: testLogger()})

	inc := incidentWithFindings(finding(models.DataTypeMetrics, "metric-replay"))
	hyp := e.Correlate(context.Background(), inc)

	if hyp.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0 on reasoner error", hyp.Confidence)
	}
}

func TestPromptCarriesSymptomsAndErrorMarkers(t *testing.T) {
	r := &fakeReasoner{response: `{"statement": "x", "confidence": 0.6}`}
	e := New(r, Options{Logger: testLogger()})

	inc := incidentWithFindings(
		finding(models.DataTypeLogs, "log-scanner"),
		failedFinding(models.DataTypeTraces, "trace-scanner"),
	)
	e.Correlate(context.Background(), inc)

	if len(r.prompts) != 1 {
		t.Fatalf("reasoner called %d times, want 1", len(r.prompts))
	}
	prompt := r.prompts[0]
	if !strings.Contains(prompt, "error_rate deviation") {
		t.Fatalf("prompt missing symptoms:\n%s", prompt)
	}
	if !strings.Contains(prompt, "unavailable: deadline exceeded") {
		t.Fatalf("prompt missing error marker for failed investigator:\n%s", prompt)
	}
}
