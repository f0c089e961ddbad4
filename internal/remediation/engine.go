package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aegisstack/aegis-ir/internal/metrics"
	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/reasoning"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

const classifySystemPrompt = `You triage failed remediation actions for an incident-response engine. Respond with only a JSON object of the form {"classification": "<short failure class>", "confidence": <number 0..1>, "auto_fixable": <true|false>}.`

// Advisor biases action selection with historical outcomes. Lookups are
// hints only; they never introduce an action the policy did not match.
type Advisor interface {
	RecommendedAction(ctx context.Context, rootCause string) (string, bool)
	SuccessRate(ctx context.Context, kind string) (float64, int)
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	Executors *Registry
	// Verifier confirms an executed action helped. Nil verifies
	// trivially; real wiring always provides one.
	Verifier   *Verifier
	Breaker    *Breaker
	Approvals  *Approvals
	Advisor    Advisor
	Classifier reasoning.Capability

	MaxRisk        models.RiskLevel
	ActionTimeout  time.Duration
	ExecuteRetries int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine drives the remediation state machine for one incident at a
// time. The breaker and approvals registries are the only state shared
// between incidents.
type Engine struct {
	policy     *Policy
	execs      *Registry
	verifier   *Verifier
	breaker    *Breaker
	approvals  *Approvals
	advisor    Advisor
	classifier reasoning.Capability

	maxRisk        models.RiskLevel
	actionTimeout  time.Duration
	executeRetries uint64

	clock  clock.Clock
	logger *slog.Logger
}

// Result is the terminal outcome of one Remediate call.
type Result struct {
	Outcome models.AttemptState
	// Reason explains refusals and failures in operator language; it is
	// carried into the escalation decision.
	Reason string
}

// New constructs an Engine over the policy pack.
func New(policy *Policy, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Executors == nil {
		opts.Executors = NewRegistry()
	}
	if opts.Breaker == nil {
		opts.Breaker = NewBreaker(0, 0, opts.Clock)
	}
	if opts.Approvals == nil {
		opts.Approvals = NewApprovals()
	}
	if opts.Verifier == nil {
		opts.Verifier = NewVerifier(recoveredResampler{}, time.Millisecond, opts.Clock, opts.Logger)
	}
	if opts.MaxRisk == "" {
		opts.MaxRisk = models.RiskMedium
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = time.Minute
	}
	if opts.ExecuteRetries < 0 {
		opts.ExecuteRetries = 0
	}
	return &Engine{
		policy:         policy,
		execs:          opts.Executors,
		verifier:       opts.Verifier,
		breaker:        opts.Breaker,
		approvals:      opts.Approvals,
		advisor:        opts.Advisor,
		classifier:     opts.Classifier,
		maxRisk:        opts.MaxRisk,
		actionTimeout:  opts.ActionTimeout,
		executeRetries: uint64(opts.ExecuteRetries),
		clock:          opts.Clock,
		logger:         opts.Logger,
	}
}

// Approvals exposes the engine's approval registry for operator grants.
func (e *Engine) Approvals() *Approvals {
	return e.approvals
}

// Remediate runs attempts against the incident until one succeeds, the
// budget is spent, or no viable action remains. Each terminal pass is
// appended to inc.Attempts; len(inc.Attempts) never exceeds maxAttempts.
func (e *Engine) Remediate(ctx context.Context, inc *models.Incident, maxAttempts int) Result {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	statement := ""
	if inc.RootCause != nil {
		statement = inc.RootCause.Statement
	}

	// Kinds that already failed on this incident are not retried, which
	// also covers attempts restored from the journal.
	excluded := make(map[string]bool)
	for _, prior := range inc.Attempts {
		if prior.State != models.StateSuccess && prior.Action.Kind != "" {
			excluded[prior.Action.Kind] = true
		}
	}

	for len(inc.Attempts) < maxAttempts {
		if ctx.Err() != nil {
			return Result{Outcome: models.StateNoAction, Reason: "remediation cancelled"}
		}

		attempt := &models.RemediationAttempt{
			ID:         uuid.NewString(),
			IncidentID: inc.ID,
			State:      models.StateSelecting,
			StartedAt:  e.clock.Now(),
		}

		action, refusal, ok := e.selectAction(ctx, attempt, statement, inc, excluded)
		if !ok {
			reason := refusal
			if reason == "" {
				reason = "no matching remediation action"
			}
			e.finish(inc, attempt, models.StateNoAction, reason)
			return Result{Outcome: models.StateNoAction, Reason: reason}
		}
		attempt.Action = action

		e.transition(attempt, models.StateExecuting)
		if err := e.execute(ctx, action, inc); err != nil {
			e.classify(ctx, attempt, err)
			excluded[action.Kind] = true
			why := fmt.Sprintf("execution failed: %v", err)
			if action.HasRollback {
				result := e.rollback(ctx, inc, attempt, action, why)
				e.breaker.RecordFailure(action.Kind)
				return result
			}
			e.breaker.RecordFailure(action.Kind)
			e.finish(inc, attempt, models.StateFailed, why)
			continue
		}

		e.transition(attempt, models.StateVerifying)
		improved, err := e.verifier.Verify(ctx, inc)
		if err != nil {
			e.logger.Warn("verification errored, treating as no improvement",
				slog.String("incident", inc.ID),
				slog.String("action", action.Kind),
				slog.Any("error", err),
			)
		}
		if improved {
			e.breaker.RecordSuccess(action.Kind)
			e.finish(inc, attempt, models.StateSuccess, "verified improvement")
			return Result{Outcome: models.StateSuccess, Reason: "verified improvement"}
		}

		excluded[action.Kind] = true
		if action.HasRollback {
			result := e.rollback(ctx, inc, attempt, action, "no improvement after settle, rolled back")
			e.breaker.RecordFailure(action.Kind)
			return result
		}
		e.breaker.RecordFailure(action.Kind)
		e.finish(inc, attempt, models.StateFailed, "no improvement after settle")
	}

	return Result{
		Outcome: models.StateFailed,
		Reason:  fmt.Sprintf("remediation exhausted after %d attempt(s)", len(inc.Attempts)),
	}
}

// selectAction walks SELECTING and RISK_CHECK until an action passes
// the gates or the candidate list is spent. Refused kinds are excluded
// for the rest of the incident; the first refusal reason survives as
// the NO_ACTION explanation.
func (e *Engine) selectAction(ctx context.Context, attempt *models.RemediationAttempt, statement string, inc *models.Incident, excluded map[string]bool) (models.RemediationAction, string, bool) {
	firstRefusal := ""
	for {
		candidates := e.policy.Candidates(statement, inc.Severity, excluded)
		if len(candidates) == 0 {
			return models.RemediationAction{}, firstRefusal, false
		}
		action := e.rank(ctx, statement, candidates)

		e.transition(attempt, models.StateRiskCheck)
		refusal := e.gate(action, inc)
		if refusal == "" {
			return action, "", true
		}
		if firstRefusal == "" {
			firstRefusal = refusal
		}
		excluded[action.Kind] = true
		e.logger.Info("action refused",
			slog.String("incident", inc.ID),
			slog.String("action", action.Kind),
			slog.String("reason", refusal),
		)
		e.transition(attempt, models.StateSelecting)
	}
}

// gate applies the RISK_CHECK rules. A non-empty return is the refusal
// reason; refusal is normal control flow, not a fault.
func (e *Engine) gate(action models.RemediationAction, inc *models.Incident) string {
	if action.RiskLevel.Rank() > e.maxRisk.Rank() {
		return fmt.Sprintf("risk exceeded: %s is %s risk, limit is %s", action.Kind, action.RiskLevel, e.maxRisk)
	}
	if action.RequiresApproval && !e.approvals.Approved(inc.ID, action.Kind) {
		return fmt.Sprintf("approval required for %s", action.Kind)
	}
	if !e.breaker.Allow(action.Kind) {
		return fmt.Sprintf("circuit open for %s", action.Kind)
	}
	return ""
}

// rank orders candidates by historical success rate, with the advisor's
// recommended kind first when it is already a candidate. Policy order
// breaks ties, so without history the first match still wins.
func (e *Engine) rank(ctx context.Context, statement string, candidates []models.RemediationAction) models.RemediationAction {
	if e.advisor == nil || len(candidates) == 1 {
		return candidates[0]
	}

	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		rate, samples := e.advisor.SuccessRate(ctx, c.Kind)
		if samples < 3 {
			rate = 0.5
		}
		scores[c.Kind] = rate
	}
	if rec, ok := e.advisor.RecommendedAction(ctx, statement); ok {
		if _, present := scores[rec]; present {
			scores[rec] = 2
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return scores[candidates[i].Kind] > scores[candidates[j].Kind]
	})
	return candidates[0]
}

// execute runs the action's executor under its timeout, retrying
// transient failures with backoff.
func (e *Engine) execute(ctx context.Context, action models.RemediationAction, inc *models.Incident) error {
	exec, ok := e.execs.Lookup(action.Kind)
	if !ok {
		return utils.ExecutionFailure("remediation.execute", fmt.Sprintf("no executor registered for %s", action.Kind), nil)
	}

	ectx, cancel := withDeadline(ctx, action, e.actionTimeout)
	defer cancel()

	return backoff.Retry(func() error {
		return permanentUnlessTransient(exec.Execute(ectx, action, inc))
	}, e.retryPolicy(ectx))
}

// rollback undoes the action. It runs detached from the incident
// context: a cancelled incident must still complete its rollback.
func (e *Engine) rollback(ctx context.Context, inc *models.Incident, attempt *models.RemediationAttempt, action models.RemediationAction, why string) Result {
	e.transition(attempt, models.StateRollingBack)

	exec, ok := e.execs.Lookup(action.Kind)
	if !ok {
		reason := fmt.Sprintf("%s; no executor for rollback", why)
		e.finish(inc, attempt, models.StateRollbackFailed, reason)
		return Result{Outcome: models.StateRollbackFailed, Reason: reason}
	}

	rctx, cancel := withDeadline(context.WithoutCancel(ctx), action, e.actionTimeout)
	defer cancel()

	if err := exec.Rollback(rctx, action, inc); err != nil {
		reason := fmt.Sprintf("%s; rollback failed: %v", why, err)
		e.finish(inc, attempt, models.StateRollbackFailed, reason)
		return Result{Outcome: models.StateRollbackFailed, Reason: reason}
	}
	e.finish(inc, attempt, models.StateRolledBack, why)
	return Result{Outcome: models.StateRolledBack, Reason: why}
}

// classify asks the reasoning capability to name the failure class.
// Best effort: classification runs detached with its own deadline and
// any failure just leaves the field empty.
func (e *Engine) classify(ctx context.Context, attempt *models.RemediationAttempt, execErr error) {
	if e.classifier == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	prompt := fmt.Sprintf("Remediation action %q failed with error: %v", attempt.Action.Kind, execErr)
	raw, err := e.classifier.Complete(cctx, classifySystemPrompt, prompt)
	if err != nil {
		e.logger.Warn("failure classification unavailable", slog.Any("error", err))
		return
	}
	fc, err := reasoning.ParseFailureClassification(raw)
	if err != nil {
		e.logger.Warn("failure classification unparseable", slog.Any("error", err))
		return
	}
	attempt.FailureClass = fc.Classification
}

// transition advances the attempt, logging any move the state machine
// does not allow.
func (e *Engine) transition(attempt *models.RemediationAttempt, next models.AttemptState) {
	if !attempt.State.CanTransition(next) {
		e.logger.Error("illegal attempt transition",
			slog.String("attempt", attempt.ID),
			slog.String("from", string(attempt.State)),
			slog.String("to", string(next)),
		)
	}
	attempt.State = next
}

// finish stamps the attempt terminal and appends it to the incident.
func (e *Engine) finish(inc *models.Incident, attempt *models.RemediationAttempt, terminal models.AttemptState, detail string) {
	e.transition(attempt, terminal)
	attempt.FinishedAt = e.clock.Now()
	attempt.Detail = detail
	inc.Attempts = append(inc.Attempts, *attempt)

	kind := attempt.Action.Kind
	if kind == "" {
		kind = "none"
	}
	metrics.ObserveRemediation(kind, string(terminal))
	e.logger.Info("remediation attempt finished",
		slog.String("incident", inc.ID),
		slog.String("action", kind),
		slog.String("state", string(terminal)),
		slog.String("detail", detail),
	)
}

func (e *Engine) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, e.executeRetries), ctx)
}

func permanentUnlessTransient(err error) error {
	if err == nil {
		return nil
	}
	if utils.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// recoveredResampler reports every metric as recovered. It backs the
// trivial verifier used when none is wired.
type recoveredResampler struct{}

func (recoveredResampler) Resample(context.Context, string) (*models.Anomaly, error) {
	return nil, nil
}
