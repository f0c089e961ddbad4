package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegisstack/aegis-ir/internal/config"
	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

// Notifier delivers an escalation decision to the paging surface.
// Delivery failures are reported to the caller for logging only; they
// never block or fail the incident pipeline.
type Notifier interface {
	Notify(ctx context.Context, inc *models.Incident, decision models.EscalationDecision) error
}

// NewNotifier selects the delivery mechanism from configuration: a
// webhook when one is configured, otherwise the structured log.
func NewNotifier(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	if cfg.WebhookURL != "" {
		return NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout, logger)
	}
	return &LogNotifier{logger: ensureLogger(logger)}
}

// WebhookNotifier posts escalation payloads to an automation endpoint
// that fans out to the named channels.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookNotifier constructs a webhook sink with a hard delivery
// timeout.
func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     ensureLogger(logger),
	}
}

type webhookPayload struct {
	IncidentID string    `json:"incident_id"`
	Severity   string    `json:"severity"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	Urgent     bool      `json:"urgent"`
	Channels   []string  `json:"channels"`
	RootCause  string    `json:"root_cause,omitempty"`
	Confidence float64   `json:"confidence"`
	OpenedAt   time.Time `json:"opened_at"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Notify posts the decision. The incident outcome does not depend on
// the result; the caller only logs errors.
func (n *WebhookNotifier) Notify(ctx context.Context, inc *models.Incident, decision models.EscalationDecision) error {
	payload := webhookPayload{
		IncidentID: inc.ID,
		Severity:   string(inc.Severity),
		Status:     string(inc.Status),
		Reason:     decision.Reason,
		Urgent:     decision.Urgent,
		Channels:   decision.Channels,
		Confidence: inc.Confidence,
		OpenedAt:   inc.OpenedAt,
		DecidedAt:  decision.DecidedAt,
	}
	if inc.RootCause != nil {
		payload.RootCause = inc.RootCause.Statement
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal escalation payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return utils.Transient("escalation.notify", "webhook unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return utils.Transient("escalation.notify", fmt.Sprintf("webhook returned %s", resp.Status), nil)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}

	n.logger.Info("escalation delivered",
		"incident_id", inc.ID,
		"urgent", decision.Urgent,
		"channels", decision.Channels)
	return nil
}

// LogNotifier writes escalations to the structured log. It stands in
// when no webhook is configured so decisions are never dropped
// silently.
type LogNotifier struct {
	logger *slog.Logger
}

// Notify records the decision; urgent escalations log at error level.
func (n *LogNotifier) Notify(_ context.Context, inc *models.Incident, decision models.EscalationDecision) error {
	level := slog.LevelWarn
	if decision.Urgent {
		level = slog.LevelError
	}
	n.logger.Log(context.Background(), level, "incident escalated",
		"incident_id", inc.ID,
		"severity", inc.Severity,
		"reason", decision.Reason,
		"urgent", decision.Urgent,
		"channels", decision.Channels)
	return nil
}

func ensureLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
