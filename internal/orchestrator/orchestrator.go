// Package orchestrator drives incidents from candidate to closure. A
// bounded worker pool pulls candidates off the aggregator, opens one
// incident per candidate, and walks it through investigation,
// correlation, remediation, escalation, postmortem, and archival.
// Exactly one worker owns an incident at a time; cancellation is
// honored at stage boundaries, and the journal snapshot written before
// each stage lets a restarted engine resume where this process stopped.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/aegisstack/aegis-ir/internal/escalation"
	"github.com/aegisstack/aegis-ir/internal/metrics"
	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/orchestrator/journal"
	"github.com/aegisstack/aegis-ir/internal/postmortem"
	"github.com/aegisstack/aegis-ir/internal/remediation"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

// Investigator fans the incident out to evidence sources and appends
// their findings.
type Investigator interface {
	Investigate(ctx context.Context, inc *models.Incident) error
}

// Correlator synthesises gathered findings into a root-cause
// hypothesis and stamps it onto the incident.
type Correlator interface {
	Correlate(ctx context.Context, inc *models.Incident) models.RootCauseHypothesis
	// Floor is the confidence under which remediation is not attempted.
	Floor() float64
}

// Remediator runs the remediation state machine against the incident.
type Remediator interface {
	Remediate(ctx context.Context, inc *models.Incident, maxAttempts int) remediation.Result
}

// Composer produces the closing postmortem document.
type Composer interface {
	Compose(ctx context.Context, inc *models.Incident) models.Postmortem
}

// Archiver persists the closed incident for future similarity lookups.
type Archiver interface {
	Archive(ctx context.Context, inc *models.Incident, outcome string) error
}

// Dependencies are the stage engines the orchestrator drives. Journal
// may be nil (snapshots disabled); a nil Notifier suppresses delivery;
// every other nil stage downgrades to a safe pass-through.
type Dependencies struct {
	Investigator Investigator
	Correlator   Correlator
	Remediator   Remediator
	Evaluator    *escalation.Evaluator
	Notifier     escalation.Notifier
	Composer     Composer
	Archiver     Archiver
	Journal      *journal.Journal
}

// Options tune the orchestrator.
type Options struct {
	// MaxWorkers bounds how many incidents are handled concurrently.
	MaxWorkers int
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Orchestrator owns the incident lifecycle loop.
type Orchestrator struct {
	investigator Investigator
	correlator   Correlator
	remediator   Remediator
	evaluator    *escalation.Evaluator
	notifier     escalation.Notifier
	composer     Composer
	archiver     Archiver
	journal      *journal.Journal

	maxWorkers int
	clock      clock.Clock
	logger     *slog.Logger
	latencies  *utils.LatencyTracker

	// background tracks fire-and-forget notification sends so Run can
	// drain them before returning.
	background sync.WaitGroup
}

// New constructs an Orchestrator over the given stage engines.
func New(deps Dependencies, opts Options) *Orchestrator {
	if deps.Evaluator == nil {
		deps.Evaluator = escalation.NewEvaluator(nil)
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		investigator: deps.Investigator,
		correlator:   deps.Correlator,
		remediator:   deps.Remediator,
		evaluator:    deps.Evaluator,
		notifier:     deps.Notifier,
		composer:     deps.Composer,
		archiver:     deps.Archiver,
		journal:      deps.Journal,
		maxWorkers:   opts.MaxWorkers,
		clock:        opts.Clock,
		logger:       opts.Logger.With(slog.String("component", "orchestrator")),
		latencies:    utils.NewLatencyTracker(1024),
	}
}

// Run consumes incident candidates until the channel closes or the
// context is cancelled, then waits for in-flight incidents and pending
// notifications to drain. Incidents left mid-flight by a previous
// process are resumed first.
func (o *Orchestrator) Run(ctx context.Context, candidates <-chan models.IncidentCandidate) {
	sem := make(chan struct{}, o.maxWorkers)
	var workers sync.WaitGroup

	dispatch := func(inc *models.Incident) bool {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// The journal already holds this incident's snapshot; the
			// next boot picks it up.
			return false
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			defer func() { <-sem }()
			o.handle(ctx, inc)
		}()
		return true
	}

	for _, inc := range o.resume() {
		if !dispatch(inc) {
			break
		}
	}

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case cand, ok := <-candidates:
			if !ok {
				workers.Wait()
				o.background.Wait()
				return
			}
			dispatch(o.open(cand))
		}
	}

	workers.Wait()
	o.background.Wait()
}

// LatencyP95 reports the 95th percentile open-to-close incident
// duration seen by this process.
func (o *Orchestrator) LatencyP95() time.Duration {
	return o.latencies.Percentile(95)
}

// open turns an accepted candidate into a journaled incident.
func (o *Orchestrator) open(cand models.IncidentCandidate) *models.Incident {
	inc := &models.Incident{
		ID:        uuid.NewString(),
		Severity:  cand.Severity,
		Status:    models.StatusOpen,
		OpenedAt:  o.clock.Now(),
		Symptoms:  symptomsOf(cand.Anomalies),
		Services:  servicesOf(cand.Anomalies),
		Anomalies: cand.Anomalies,
	}
	metrics.ObserveIncidentOpened(string(inc.Severity))
	o.record(inc)
	o.logger.Info("incident opened",
		slog.String("incident", inc.ID),
		slog.String("severity", string(inc.Severity)),
		slog.Int("anomalies", len(inc.Anomalies)),
		slog.Any("services", inc.Services),
	)
	return inc
}

// resume loads incidents the previous process left unfinished. Partial
// findings from an interrupted investigation are discarded so the rerun
// does not double them up; recorded remediation attempts always stand,
// the engine counts them against the budget and skips their kinds.
func (o *Orchestrator) resume() []*models.Incident {
	incs, err := o.journal.Resumable()
	if err != nil {
		o.logger.Warn("journal scan failed", slog.Any("error", err))
		return nil
	}
	for _, inc := range incs {
		if inc.Status == models.StatusInvestigating {
			inc.Findings = nil
			inc.RootCause = nil
			inc.Confidence = 0
		}
		o.logger.Info("resuming incident",
			slog.String("incident", inc.ID),
			slog.String("status", string(inc.Status)),
		)
	}
	return incs
}

// handle walks one incident through every remaining stage. The entry
// status decides where to pick up so resumed incidents do not repeat
// completed work.
func (o *Orchestrator) handle(ctx context.Context, inc *models.Incident) {
	var result remediation.Result

	switch inc.Status {
	case models.StatusOpen, models.StatusInvestigating:
		if !o.investigate(ctx, inc) {
			return
		}
		result = o.remediate(ctx, inc)
	case models.StatusRemediating:
		result = o.remediate(ctx, inc)
	}
	if ctx.Err() != nil {
		o.record(inc)
		return
	}

	if inc.Escalation == nil {
		o.escalate(ctx, inc, result)
	}
	o.close(ctx, inc)
}

// investigate gathers findings and settles the root-cause hypothesis.
// It reports false when cancellation cut the stage short.
func (o *Orchestrator) investigate(ctx context.Context, inc *models.Incident) bool {
	o.setStatus(inc, models.StatusInvestigating)
	o.record(inc)

	if o.investigator != nil {
		if err := o.investigator.Investigate(ctx, inc); err != nil {
			// Only ever the context's error; findings gathered so far
			// are already on the incident.
			o.record(inc)
			return false
		}
	}
	if o.correlator != nil {
		o.correlator.Correlate(ctx, inc)
	}
	o.record(inc)
	return ctx.Err() == nil
}

// remediate runs the state machine when the hypothesis is trustworthy
// enough to act on. A skipped run returns a zero Result whose empty
// outcome tells the evaluator remediation never happened.
func (o *Orchestrator) remediate(ctx context.Context, inc *models.Incident) remediation.Result {
	if o.remediator == nil {
		return remediation.Result{}
	}
	if floor := o.floor(); inc.Confidence < floor {
		o.logger.Info("remediation skipped",
			slog.String("incident", inc.ID),
			slog.Float64("confidence", inc.Confidence),
			slog.Float64("floor", floor),
		)
		return remediation.Result{}
	}

	o.setStatus(inc, models.StatusRemediating)
	o.record(inc)

	budget := o.evaluator.MaxAttempts(inc.Severity)
	result := o.remediator.Remediate(ctx, inc, budget)
	o.record(inc)

	o.logger.Info("remediation finished",
		slog.String("incident", inc.ID),
		slog.String("outcome", string(result.Outcome)),
		slog.String("reason", result.Reason),
		slog.Int("attempts", len(inc.Attempts)),
	)
	return result
}

func (o *Orchestrator) floor() float64 {
	if o.correlator != nil {
		return o.correlator.Floor()
	}
	return 0.5
}

// escalate records the evaluator's verdict and moves the incident to
// its terminal outcome. Delivery runs detached: a slow or failing page
// never holds up the postmortem, and shutdown does not abort it.
func (o *Orchestrator) escalate(ctx context.Context, inc *models.Incident, result remediation.Result) {
	decision := o.evaluator.Decide(escalation.Input{
		Severity:         inc.Severity,
		Confidence:       inc.Confidence,
		AttemptsMade:     len(inc.Attempts),
		Outcome:          result.Outcome,
		OutcomeReason:    result.Reason,
		ElapsedSinceOpen: o.clock.Now().Sub(inc.OpenedAt),
	})
	decision.DecidedAt = o.clock.Now()
	inc.Escalation = &decision
	inc.ClosedAt = o.clock.Now()

	if decision.Escalate {
		o.setStatus(inc, models.StatusEscalated)
		metrics.ObserveEscalation(decision.Rule)
		o.deliver(ctx, inc, decision)
	} else {
		o.setStatus(inc, models.StatusResolved)
	}
	o.record(inc)

	o.logger.Info("escalation decided",
		slog.String("incident", inc.ID),
		slog.Bool("escalate", decision.Escalate),
		slog.Bool("urgent", decision.Urgent),
		slog.String("rule", decision.Rule),
	)
}

func (o *Orchestrator) deliver(ctx context.Context, inc *models.Incident, decision models.EscalationDecision) {
	if o.notifier == nil {
		return
	}
	nctx := context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if err := o.notifier.Notify(nctx, inc, decision); err != nil {
			o.logger.Warn("escalation delivery failed",
				slog.String("incident", inc.ID),
				slog.Any("error", err),
			)
		}
	}()
}

// close writes the postmortem, archives the incident into the
// knowledge store, and retires the journal snapshot. Failures here are
// logged, never fatal: the incident outcome is already decided.
func (o *Orchestrator) close(ctx context.Context, inc *models.Incident) {
	outcome := string(inc.Status)

	if o.composer != nil {
		doc := o.composer.Compose(ctx, inc)
		if markdown, err := postmortem.Render(doc); err != nil {
			o.logger.Warn("postmortem render failed",
				slog.String("incident", inc.ID),
				slog.Any("error", err),
			)
		} else if err := o.journal.RecordPostmortem(inc.ID, markdown); err != nil {
			o.logger.Warn("postmortem write failed",
				slog.String("incident", inc.ID),
				slog.Any("error", err),
			)
		}
	}

	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, inc, outcome); err != nil {
			o.logger.Warn("knowledge archive failed",
				slog.String("incident", inc.ID),
				slog.Any("error", err),
			)
		}
	}

	o.setStatus(inc, models.StatusArchived)
	if inc.ClosedAt.IsZero() {
		inc.ClosedAt = o.clock.Now()
	}
	lifetime := inc.ClosedAt.Sub(inc.OpenedAt)
	metrics.ObserveIncidentClosed(lifetime)
	o.latencies.Observe(lifetime)
	if count := o.latencies.Count(); count >= 20 && count%20 == 0 {
		o.logger.Info("incident handling latency",
			slog.Duration("p95", o.latencies.Percentile(95)),
			slog.Int("samples", count),
		)
	}

	if err := o.journal.Remove(inc.ID); err != nil {
		o.logger.Warn("journal cleanup failed",
			slog.String("incident", inc.ID),
			slog.Any("error", err),
		)
	}
	o.logger.Info("incident closed",
		slog.String("incident", inc.ID),
		slog.String("outcome", outcome),
		slog.Duration("lifetime", lifetime),
	)
}

// setStatus advances the incident status, refusing regressions.
func (o *Orchestrator) setStatus(inc *models.Incident, next models.IncidentStatus) {
	if inc.Status == next {
		return
	}
	if !models.ValidStatusChange(inc.Status, next) {
		o.logger.Warn("refusing status change",
			slog.String("incident", inc.ID),
			slog.String("from", string(inc.Status)),
			slog.String("to", string(next)),
		)
		return
	}
	inc.Status = next
}

func (o *Orchestrator) record(inc *models.Incident) {
	if err := o.journal.Record(inc); err != nil {
		o.logger.Warn("journal write failed",
			slog.String("incident", inc.ID),
			slog.Any("error", err),
		)
	}
}

// symptomsOf renders each anomaly as one operator-readable line. The
// same lines feed the correlation prompt and the knowledge embedding,
// so the wording stays stable across incidents.
func symptomsOf(anomalies []models.Anomaly) []string {
	seen := make(map[string]struct{}, len(anomalies))
	out := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		s := symptomLine(a)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func symptomLine(a models.Anomaly) string {
	where := a.MetricName
	if a.Service != "" {
		where = fmt.Sprintf("%s on %s", a.MetricName, a.Service)
	}
	line := fmt.Sprintf("%s %s, %.2f observed vs %.2f expected (%.1f sigma, %s)",
		where, a.Trend, a.Actual, a.Expected, a.DeviationScore, a.Severity)
	if len(a.Contributors) > 0 {
		line += fmt.Sprintf(", driven by %v", a.Contributors)
	}
	return line
}

func servicesOf(anomalies []models.Anomaly) []string {
	seen := make(map[string]struct{}, len(anomalies))
	var out []string
	for _, a := range anomalies {
		if a.Service == "" {
			continue
		}
		if _, ok := seen[a.Service]; ok {
			continue
		}
		seen[a.Service] = struct{}{}
		out = append(out, a.Service)
	}
	return out
}
