// Command mock-backend fakes every external surface the engine talks to
// during local development: the signal backend (range queries, logs,
// traces), the remediation automation service, and the paging webhook.
// A synthetic incident window opens for two minutes out of every ten so
// the whole detect-investigate-remediate loop fires without real
// infrastructure.
package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"time"
)

type rangeRequest struct {
	Query       string `json:"query"`
	Start       string `json:"start"`
	End         string `json:"end"`
	StepSeconds int    `json:"step_seconds"`
}

type seriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Count     int       `json:"count"`
}

type traceSpan struct {
	TraceID    string    `json:"trace_id"`
	SpanID     string    `json:"span_id"`
	Service    string    `json:"service"`
	Operation  string    `json:"operation"`
	DurationMs float64   `json:"duration_ms"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

type actionRequest struct {
	Kind       string   `json:"kind"`
	IncidentID string   `json:"incident_id"`
	Services   []string `json:"services"`
	Metrics    []string `json:"metrics"`
	RootCause  string   `json:"root_cause"`
}

func main() {
	logger := log.New(log.Writer(), "mock-backend ", log.LstdFlags|log.Lmicroseconds)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/query_range", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req rangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		start, err1 := time.Parse(time.RFC3339, req.Start)
		end, err2 := time.Parse(time.RFC3339, req.End)
		if err1 != nil || err2 != nil || !end.After(start) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		step := time.Duration(req.StepSeconds) * time.Second
		if step <= 0 {
			step = time.Minute
		}
		var series []seriesPoint
		for ts := start; !ts.After(end); ts = ts.Add(step) {
			series = append(series, seriesPoint{Timestamp: ts, Value: metricValue(ts)})
		}
		writeJSON(w, map[string]any{"series": series})
	})

	mux.HandleFunc("/api/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		now := time.Now()
		entries := []logEntry{
			{Timestamp: now.Add(-4 * time.Minute), Message: "request completed", Severity: "info", Count: 812},
		}
		if incidentActive(now) {
			entries = append(entries,
				logEntry{Timestamp: now.Add(-2 * time.Minute), Message: "checkout failed to reach payments: connection refused", Severity: "error", Count: 64},
				logEntry{Timestamp: now.Add(-time.Minute), Message: "retry budget exhausted for payments", Severity: "warn", Count: 11},
			)
		}
		writeJSON(w, map[string]any{"entries": entries})
	})

	mux.HandleFunc("/api/v1/traces", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		now := time.Now()
		spans := []traceSpan{
			{
				TraceID:    "trace-steady",
				SpanID:     "span-1",
				Service:    "checkout",
				Operation:  "HTTP GET /cart",
				DurationMs: 45,
				Status:     "ok",
				Timestamp:  now.Add(-2 * time.Minute),
			},
		}
		if incidentActive(now) {
			spans = append(spans, traceSpan{
				TraceID:    "trace-incident",
				SpanID:     "span-2",
				Service:    "payments",
				Operation:  "HTTP POST /payments",
				DurationMs: 2350,
				Status:     "error",
				Timestamp:  now.Add(-90 * time.Second),
			})
		}
		writeJSON(w, map[string]any{"spans": spans})
	})

	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		logger.Printf("execute %s for incident %s (services %v)", req.Kind, req.IncidentID, req.Services)
		writeJSON(w, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("/rollback", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		logger.Printf("rollback %s for incident %s", req.Kind, req.IncidentID)
		writeJSON(w, map[string]any{"status": "rolled_back"})
	})

	mux.HandleFunc("/notify", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		logger.Printf("page incident=%v reason=%v urgent=%v channels=%v",
			payload["incident_id"], payload["reason"], payload["urgent"], payload["channels"])
		writeJSON(w, map[string]any{"delivered": true})
	})

	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// incidentActive opens the synthetic incident window for the first two
// minutes of every ten, keyed to wall time so engine restarts line up
// with the same window.
func incidentActive(t time.Time) bool {
	return t.Minute()%10 < 2
}

// metricValue produces a stable baseline with mild jitter outside the
// incident window and a hard spike inside it.
func metricValue(ts time.Time) float64 {
	base := 2.0 + 0.3*math.Sin(float64(ts.Unix())/45)
	if incidentActive(ts) {
		return base + 8.5
	}
	return base
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
