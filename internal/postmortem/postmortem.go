// Package postmortem turns a closed incident into a blameless closure
// document: a deterministic timeline from the incident's own
// timestamps, a reasoning-written narrative, and derived action items.
// Composing has no side effects; persistence belongs to the caller.
package postmortem

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/reasoning"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

const narrativeSystemPrompt = `You write blameless incident postmortem narratives.
Given the structured facts of one incident, write two to three short paragraphs
covering what happened, how the system responded, and what remains open.
Plain prose only. Never assign blame to a person or team.`

// maxAnomalyEvents caps detection noise in the timeline; lifecycle
// events are never dropped.
const maxAnomalyEvents = 5

// Options tune the composer.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Composer builds postmortem documents. The reasoner is optional; a
// deterministic narrative stands in when it is absent or failing.
type Composer struct {
	reasoner reasoning.Capability
	clock    clock.Clock
	logger   *slog.Logger
}

// New constructs a Composer.
func New(reasoner reasoning.Capability, opts Options) *Composer {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Composer{reasoner: reasoner, clock: opts.Clock, logger: opts.Logger}
}

// Compose builds the closure document for an incident.
func (c *Composer) Compose(ctx context.Context, inc *models.Incident) models.Postmortem {
	timeline := BuildTimeline(inc)
	doc := models.Postmortem{
		IncidentID:  inc.ID,
		Title:       title(inc),
		Summary:     summary(inc),
		RootCause:   rootCause(inc),
		Timeline:    timeline,
		ActionItems: actionItems(inc),
		GeneratedAt: c.clock.Now(),
	}
	doc.Narrative = c.narrative(ctx, inc, timeline)
	return doc
}

// BuildTimeline assembles the incident's chronology: a capped sample of
// detection events plus every lifecycle milestone, sorted by time.
func BuildTimeline(inc *models.Incident) []models.TimelineEvent {
	anomalies := make([]models.TimelineEvent, 0, len(inc.Anomalies))
	for _, a := range inc.Anomalies {
		anomalies = append(anomalies, models.TimelineEvent{
			Time:     a.Timestamp,
			Event:    fmt.Sprintf("Anomaly detected on %s (score %.1f)", a.MetricName, a.DeviationScore),
			Service:  a.Service,
			Severity: a.Severity,
			Source:   models.DataTypeMetrics,
		})
	}
	sort.Slice(anomalies, func(i, j int) bool {
		return anomalies[i].Time.Before(anomalies[j].Time)
	})
	if len(anomalies) > maxAnomalyEvents {
		anomalies = anomalies[:maxAnomalyEvents]
	}

	timeline := anomalies
	timeline = append(timeline, models.TimelineEvent{
		Time:     inc.OpenedAt,
		Event:    fmt.Sprintf("Incident opened at severity %s", inc.Severity),
		Severity: inc.Severity,
	})

	if inc.RootCause != nil && !inc.RootCause.DecidedAt.IsZero() {
		event := "Correlation completed without a usable root cause"
		if inc.RootCause.Statement != "" {
			event = fmt.Sprintf("Root cause identified (confidence %.2f): %s", inc.RootCause.Confidence, inc.RootCause.Statement)
		}
		timeline = append(timeline, models.TimelineEvent{
			Time:  inc.RootCause.DecidedAt,
			Event: event,
		})
	}

	for _, attempt := range inc.Attempts {
		kind := attempt.Action.Kind
		if kind == "" {
			kind = "no action"
		}
		timeline = append(timeline, models.TimelineEvent{
			Time:  attempt.StartedAt,
			Event: fmt.Sprintf("Remediation %s started", kind),
		})
		if !attempt.FinishedAt.IsZero() {
			timeline = append(timeline, models.TimelineEvent{
				Time:  attempt.FinishedAt,
				Event: fmt.Sprintf("Remediation %s finished: %s (%s)", kind, attempt.State, attempt.Detail),
			})
		}
	}

	if inc.Escalation != nil && inc.Escalation.Escalate {
		timeline = append(timeline, models.TimelineEvent{
			Time:  inc.Escalation.DecidedAt,
			Event: fmt.Sprintf("Escalated to %s: %s", strings.Join(inc.Escalation.Channels, ", "), inc.Escalation.Reason),
		})
	}

	if !inc.ClosedAt.IsZero() {
		timeline = append(timeline, models.TimelineEvent{
			Time:  inc.ClosedAt,
			Event: fmt.Sprintf("Incident closed as %s", inc.Status),
		})
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Time.Before(timeline[j].Time)
	})
	return timeline
}

func (c *Composer) narrative(ctx context.Context, inc *models.Incident, timeline []models.TimelineEvent) string {
	fallback := fallbackNarrative(inc)
	if c.reasoner == nil {
		return fallback
	}

	var facts strings.Builder
	fmt.Fprintf(&facts, "Incident %s, severity %s, status %s.\n", inc.ID, inc.Severity, inc.Status)
	fmt.Fprintf(&facts, "Symptoms: %s.\n", strings.Join(inc.Symptoms, "; "))
	fmt.Fprintf(&facts, "Root cause: %s.\n", rootCause(inc))
	facts.WriteString("Timeline:\n")
	for _, ev := range timeline {
		fmt.Fprintf(&facts, "- %s: %s\n", ev.Time.UTC().Format("15:04:05"), ev.Event)
	}

	text, err := c.reasoner.Complete(ctx, narrativeSystemPrompt, facts.String())
	if err != nil || strings.TrimSpace(text) == "" {
		c.logger.Warn("narrative generation unavailable, using fallback",
			slog.String("incident", inc.ID),
			slog.Any("error", err),
		)
		return fallback
	}
	return strings.TrimSpace(text)
}

// fallbackNarrative is the deterministic stand-in used when the
// reasoning capability cannot produce prose.
func fallbackNarrative(inc *models.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "An incident of severity %s opened at %s",
		inc.Severity, inc.OpenedAt.UTC().Format("2006-01-02 15:04 MST"))
	if len(inc.Symptoms) > 0 {
		fmt.Fprintf(&b, " after the detector observed %s", strings.Join(inc.Symptoms, "; "))
	}
	b.WriteString(". ")

	if cause := rootCause(inc); cause != "unknown" {
		fmt.Fprintf(&b, "Correlation attributed it to: %s. ", cause)
	} else {
		b.WriteString("No root cause could be established automatically. ")
	}

	if len(inc.Attempts) > 0 {
		last := inc.Attempts[len(inc.Attempts)-1]
		fmt.Fprintf(&b, "%d remediation attempt(s) were made; the final one ended %s. ",
			len(inc.Attempts), last.State)
	} else {
		b.WriteString("No remediation was attempted. ")
	}

	if inc.Escalation != nil && inc.Escalation.Escalate {
		fmt.Fprintf(&b, "The incident was escalated: %s.", inc.Escalation.Reason)
	} else {
		b.WriteString("The incident closed without escalation.")
	}
	return b.String()
}

func title(inc *models.Incident) string {
	subject := "unclassified regression"
	if inc.RootCause != nil && inc.RootCause.Statement != "" {
		subject = inc.RootCause.Statement
	} else if len(inc.Symptoms) > 0 {
		subject = inc.Symptoms[0]
	}
	return fmt.Sprintf("%s incident %s: %s", strings.ToUpper(string(inc.Severity)), inc.ID, subject)
}

func summary(inc *models.Incident) string {
	outcome := "still " + string(inc.Status)
	if !inc.ClosedAt.IsZero() {
		outcome = fmt.Sprintf("closed as %s after %s",
			inc.Status, utils.HumanDuration(inc.ClosedAt.Sub(inc.OpenedAt)))
	}
	return fmt.Sprintf("%d anomalies across %d metric(s); %d finding(s); %d remediation attempt(s); %s.",
		len(inc.Anomalies), len(inc.MetricNames()), len(inc.Findings), len(inc.Attempts), outcome)
}

func rootCause(inc *models.Incident) string {
	if inc.RootCause == nil || inc.RootCause.Statement == "" {
		return "unknown"
	}
	return inc.RootCause.Statement
}

// actionItems derives follow-ups from what actually went wrong.
func actionItems(inc *models.Incident) []string {
	var items []string
	for _, attempt := range inc.Attempts {
		switch attempt.State {
		case models.StateRollbackFailed:
			items = append(items, fmt.Sprintf("Manually verify production state after failed rollback of %s", attempt.Action.Kind))
		case models.StateFailed:
			items = append(items, fmt.Sprintf("Review failure of %s: %s", attempt.Action.Kind, attempt.Detail))
		case models.StateRolledBack:
			items = append(items, fmt.Sprintf("Find a safer alternative to %s; it was rolled back", attempt.Action.Kind))
		}
	}
	if inc.RootCause == nil || inc.RootCause.Statement == "" {
		items = append(items, "Determine the root cause manually; automated correlation was inconclusive")
	}
	if inc.Escalation != nil && inc.Escalation.Escalate {
		items = append(items, fmt.Sprintf("Confirm the escalation was acknowledged (%s)", inc.Escalation.Reason))
	}
	return items
}
