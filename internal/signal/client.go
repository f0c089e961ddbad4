package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aegisstack/aegis-ir/internal/utils"
)

// HTTPClient implements Source against a JSON query API.
type HTTPClient struct {
	baseURL    string
	queryPath  string
	logsPath   string
	tracesPath string
	httpClient *http.Client
}

// NewHTTPClient constructs a client targeting the configured signal backend.
func NewHTTPClient(baseURL, queryPath, logsPath, tracesPath string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		queryPath:  queryPath,
		logsPath:   logsPath,
		tracesPath: tracesPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// QueryRange evaluates a range query against the signal backend.
func (c *HTTPClient) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error) {
	if c == nil {
		return nil, fmt.Errorf("signal client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("signal base URL not configured")
	}

	payload := map[string]interface{}{
		"query":        query,
		"start":        start.Format(time.RFC3339),
		"end":          end.Format(time.RFC3339),
		"step_seconds": int(step / time.Second),
	}

	var response struct {
		Series []struct {
			Timestamp time.Time `json:"timestamp"`
			Value     float64   `json:"value"`
		} `json:"series"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.queryPath), payload, &response); err != nil {
		return nil, fmt.Errorf("signal range query failed: %w", err)
	}

	samples := make([]Sample, 0, len(response.Series))
	for _, s := range response.Series {
		samples = append(samples, Sample{Timestamp: s.Timestamp, Value: s.Value})
	}
	return samples, nil
}

// Logs queries the backend for log aggregates in the window.
func (c *HTTPClient) Logs(ctx context.Context, service string, start, end time.Time) ([]LogEntry, error) {
	if c == nil {
		return nil, fmt.Errorf("signal client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("signal base URL not configured")
	}

	payload := map[string]interface{}{
		"service": service,
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
	}

	var response struct {
		Entries []struct {
			Timestamp time.Time `json:"timestamp"`
			Message   string    `json:"message"`
			Severity  string    `json:"severity"`
			Count     int       `json:"count"`
		} `json:"entries"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.logsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("signal logs request failed: %w", err)
	}

	entries := make([]LogEntry, 0, len(response.Entries))
	for _, e := range response.Entries {
		entries = append(entries, LogEntry{
			Timestamp: e.Timestamp,
			Message:   e.Message,
			Severity:  e.Severity,
			Count:     e.Count,
		})
	}
	return entries, nil
}

// Traces queries the backend for spans in the window.
func (c *HTTPClient) Traces(ctx context.Context, service string, start, end time.Time) ([]TraceSpan, error) {
	if c == nil {
		return nil, fmt.Errorf("signal client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("signal base URL not configured")
	}

	payload := map[string]interface{}{
		"service": service,
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
	}

	var response struct {
		Spans []struct {
			TraceID    string    `json:"trace_id"`
			SpanID     string    `json:"span_id"`
			Service    string    `json:"service"`
			Operation  string    `json:"operation"`
			DurationMs float64   `json:"duration_ms"`
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
		} `json:"spans"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.tracesPath), payload, &response); err != nil {
		return nil, fmt.Errorf("signal traces request failed: %w", err)
	}

	spans := make([]TraceSpan, 0, len(response.Spans))
	for _, span := range response.Spans {
		svc := span.Service
		if strings.TrimSpace(svc) == "" {
			svc = service
		}
		spans = append(spans, TraceSpan{
			TraceID:   span.TraceID,
			SpanID:    span.SpanID,
			Service:   svc,
			Operation: span.Operation,
			Duration:  time.Duration(span.DurationMs * float64(time.Millisecond)),
			Status:    span.Status,
			Timestamp: span.Timestamp,
		})
	}
	return spans, nil
}

func (c *HTTPClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *HTTPClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return utils.Transient("signal.post", "backend unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return utils.Transient("signal.post", fmt.Sprintf("backend returned %s", resp.Status), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal backend returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
