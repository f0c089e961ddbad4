// Package correlation merges an incident's findings into a root-cause
// hypothesis. Synthesis is delegated to the reasoning capability; the
// engine owns prompt assembly, response parsing, and confidence
// calibration against the evidence actually gathered.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/reasoning"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

const systemPrompt = `You are the correlation stage of an incident-response engine.
Given an incident's symptoms and investigation findings, identify the single
most likely root cause. Respond with one JSON object and nothing else:
{"statement": "<one-sentence root cause>", "confidence": <0.0-1.0>}`

// Options tune the correlation engine.
type Options struct {
	// ConfidenceFloor marks hypotheses below it as low-confidence; the
	// orchestrator routes those straight to escalation.
	ConfidenceFloor float64
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Engine synthesises findings into a RootCauseHypothesis.
type Engine struct {
	reasoner reasoning.Capability
	floor    float64
	clock    clock.Clock
	logger   *slog.Logger
}

// New constructs an Engine backed by the given reasoning capability.
func New(reasoner reasoning.Capability, opts Options) *Engine {
	if opts.ConfidenceFloor <= 0 {
		opts.ConfidenceFloor = 0.5
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		reasoner: reasoner,
		floor:    opts.ConfidenceFloor,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// Floor returns the configured low-confidence threshold.
func (e *Engine) Floor() float64 { return e.floor }

// Correlate sets the incident's root cause and confidence exactly once
// and returns the hypothesis. It never fails the pipeline: an unusable
// reasoning response yields an empty statement with confidence zero,
// which downstream stages treat as an escalation trigger.
func (e *Engine) Correlate(ctx context.Context, inc *models.Incident) models.RootCauseHypothesis {
	hyp := e.synthesise(ctx, inc)
	hyp.DecidedAt = e.clock.Now()

	inc.RootCause = &hyp
	inc.Confidence = hyp.Confidence

	e.logger.Info("correlation complete",
		slog.String("incident", inc.ID),
		slog.Float64("confidence", hyp.Confidence),
		slog.Bool("low_confidence", hyp.Confidence < e.floor),
	)
	return hyp
}

func (e *Engine) synthesise(ctx context.Context, inc *models.Incident) models.RootCauseHypothesis {
	raw, err := e.reasoner.Complete(ctx, systemPrompt, buildPrompt(inc))
	if err != nil {
		e.logger.Warn("root-cause synthesis failed",
			slog.String("incident", inc.ID),
			slog.Any("error", err),
		)
		return models.RootCauseHypothesis{}
	}

	parsed, err := reasoning.ParseRootCause(raw)
	if err != nil {
		// ParseError semantics: zero confidence, keep the incident moving.
		e.logger.Warn("root-cause response unusable",
			slog.String("incident", inc.ID),
			slog.String("kind", string(utils.KindOf(err))),
			slog.Any("error", err),
		)
		return models.RootCauseHypothesis{}
	}

	supporting := supportingFindings(inc.Findings)
	return models.RootCauseHypothesis{
		Statement:          parsed.Statement,
		Confidence:         calibrate(parsed.Confidence, len(supporting)),
		SupportingFindings: supporting,
	}
}

// buildPrompt lays out symptoms and findings for the reasoning call.
// Failed findings are included with their error marker so the model
// knows which angles are missing.
func buildPrompt(inc *models.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s, severity %s.\n", inc.ID, inc.Severity)

	b.WriteString("Symptoms:\n")
	for _, s := range inc.Symptoms {
		fmt.Fprintf(&b, "- %s\n", s)
	}

	b.WriteString("Findings:\n")
	if len(inc.Findings) == 0 {
		b.WriteString("- none gathered\n")
	}
	for _, f := range inc.Findings {
		if f.Failed() {
			fmt.Fprintf(&b, "- [%s/%s] unavailable: %s\n", f.Source, f.Investigator, f.Err)
			continue
		}
		fmt.Fprintf(&b, "- [%s/%s] %s\n", f.Source, f.Investigator, f.Narrative)
		for k, v := range f.Evidence {
			fmt.Fprintf(&b, "  %s=%s\n", k, v)
		}
	}
	return b.String()
}

// calibrate blends the model's self-reported confidence with the
// breadth of evidence behind it. Tiers follow how many distinct
// sources produced usable findings: three or more corroborating angles
// support the full claim, fewer cap it progressively.
func calibrate(model float64, sources int) float64 {
	var tier float64
	switch {
	case sources >= 3:
		tier = 0.9
	case sources == 2:
		tier = 0.7
	case sources == 1:
		tier = 0.5
	default:
		// No usable evidence at all: the statement is a guess.
		return clamp01(model * 0.3)
	}
	return clamp01(model*0.6 + tier*0.4)
}

// supportingFindings names the investigators whose findings carry
// evidence, deduplicated by source so a noisy investigator does not
// inflate the calibration tier.
func supportingFindings(findings []models.Finding) []string {
	seen := make(map[models.DataType]struct{}, len(findings))
	var refs []string
	for _, f := range findings {
		if f.Failed() {
			continue
		}
		if _, ok := seen[f.Source]; ok {
			continue
		}
		seen[f.Source] = struct{}{}
		refs = append(refs, f.Investigator)
	}
	return refs
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
