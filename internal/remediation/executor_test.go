package remediation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

func scaleAction() models.RemediationAction {
	return models.RemediationAction{Kind: "scale_out", Timeout: 2 * time.Second, HasRollback: true}
}

func TestHTTPExecutorExecute(t *testing.T) {
	var gotPath string
	var got executePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec := NewHTTPExecutor(server.URL)
	inc := openIncident("memory leak in checkout service")
	inc.Services = []string{"checkout"}

	if err := exec.Execute(context.Background(), scaleAction(), inc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotPath != "/execute" {
		t.Errorf("path = %q", gotPath)
	}
	if got.Kind != "scale_out" || got.IncidentID != "inc-1" {
		t.Errorf("payload = %+v", got)
	}
	if len(got.Metrics) != 1 || got.Metrics[0] != "heap_bytes" {
		t.Errorf("metrics = %v", got.Metrics)
	}
	if got.RootCause == "" {
		t.Error("payload missing root cause")
	}
}

func TestHTTPExecutorRollbackPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec := NewHTTPExecutor(server.URL)
	if err := exec.Rollback(context.Background(), scaleAction(), openIncident("x")); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if gotPath != "/rollback" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestHTTPExecutorErrorKinds(t *testing.T) {
	status := http.StatusInternalServerError
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	exec := NewHTTPExecutor(server.URL)
	inc := openIncident("memory leak in checkout service")

	err := exec.Execute(context.Background(), scaleAction(), inc)
	if !utils.IsTransient(err) {
		t.Errorf("500 should be transient, got %v", err)
	}

	status = http.StatusConflict
	err = exec.Execute(context.Background(), scaleAction(), inc)
	if utils.KindOf(err) != utils.KindExecution {
		t.Errorf("4xx execute should carry the execution kind, got %v", err)
	}
	err = exec.Rollback(context.Background(), scaleAction(), inc)
	if utils.KindOf(err) != utils.KindRollback {
		t.Errorf("4xx rollback should carry the rollback kind, got %v", err)
	}
}

func TestHTTPExecutorUnreachable(t *testing.T) {
	exec := NewHTTPExecutor("http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := exec.Execute(ctx, scaleAction(), openIncident("x"))
	if !utils.IsTransient(err) {
		t.Errorf("unreachable endpoint should be transient, got %v", err)
	}
}

func TestRegistryBindsPolicyCatalog(t *testing.T) {
	policy := DefaultPolicy()
	exec := NewHTTPExecutor("http://automation.internal")
	reg := NewRegistry()
	reg.RegisterHTTP(policy, exec)

	for _, kind := range []string{"restart_service", "scale_out", "rollback_deployment", "clear_cache", "kill_idle_connections"} {
		if _, ok := reg.Lookup(kind); !ok {
			t.Errorf("kind %s not bound", kind)
		}
	}
	if _, ok := reg.Lookup("unknown"); ok {
		t.Error("unknown kind resolved")
	}
}
