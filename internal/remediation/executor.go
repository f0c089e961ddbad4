package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

// Executor performs one action kind against production. Rollback undoes
// a prior Execute and is only called for actions declaring HasRollback.
type Executor interface {
	Execute(ctx context.Context, action models.RemediationAction, inc *models.Incident) error
	Rollback(ctx context.Context, action models.RemediationAction, inc *models.Incident) error
}

// Registry maps action kinds onto executors.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

// NewRegistry constructs an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]Executor)}
}

// Register binds an executor to a kind, replacing any previous binding.
func (r *Registry) Register(kind string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[kind] = e
}

// Lookup returns the executor for a kind.
func (r *Registry) Lookup(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[kind]
	return e, ok
}

// RegisterHTTP binds every kind in the policy catalog to one HTTP
// executor targeting the automation endpoint.
func (r *Registry) RegisterHTTP(p *Policy, exec *HTTPExecutor) {
	for kind := range p.catalog {
		r.Register(kind, exec)
	}
}

// HTTPExecutor drives remediation through an external automation
// service speaking JSON over HTTP.
type HTTPExecutor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPExecutor constructs an executor for the automation endpoint.
// The per-call deadline comes from the action timeout via the context,
// not from the client.
func NewHTTPExecutor(baseURL string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

type executePayload struct {
	Kind       string   `json:"kind"`
	IncidentID string   `json:"incident_id"`
	Services   []string `json:"services,omitempty"`
	Metrics    []string `json:"metrics,omitempty"`
	RootCause  string   `json:"root_cause,omitempty"`
}

// Execute invokes the automation service for the action kind.
func (e *HTTPExecutor) Execute(ctx context.Context, action models.RemediationAction, inc *models.Incident) error {
	return e.post(ctx, "/execute", action, inc, utils.KindExecution)
}

// Rollback asks the automation service to undo the action.
func (e *HTTPExecutor) Rollback(ctx context.Context, action models.RemediationAction, inc *models.Incident) error {
	return e.post(ctx, "/rollback", action, inc, utils.KindRollback)
}

func (e *HTTPExecutor) post(ctx context.Context, endpoint string, action models.RemediationAction, inc *models.Incident, failKind utils.ErrorKind) error {
	if e.baseURL == "" {
		return fmt.Errorf("executor base URL not configured")
	}
	payload := executePayload{
		Kind:       action.Kind,
		IncidentID: inc.ID,
		Services:   inc.Services,
		Metrics:    inc.MetricNames(),
	}
	if inc.RootCause != nil {
		payload.RootCause = inc.RootCause.Statement
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", action.Kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.resolve(endpoint), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return utils.Transient("remediation.post", "automation service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return utils.Transient("remediation.post", fmt.Sprintf("automation service returned %s", resp.Status), nil)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("%s refused by automation service: %s", action.Kind, resp.Status)
		return &utils.AppError{Op: "remediation.post", Msg: msg, Kind: failKind}
	}
	return nil
}

func (e *HTTPExecutor) resolve(endpoint string) string {
	cleaned := "/" + strings.TrimLeft(endpoint, "/")
	u, err := url.Parse(e.baseURL)
	if err != nil {
		return e.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

// withDeadline derives the execution context for one action, falling
// back to def when the action declares no timeout.
func withDeadline(ctx context.Context, action models.RemediationAction, def time.Duration) (context.Context, context.CancelFunc) {
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = def
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return context.WithTimeout(ctx, timeout)
}
