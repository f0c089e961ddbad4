package api

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aegisstack/aegis-ir/internal/config"
)

func TestServerHealthLifecycle(t *testing.T) {
	srv, err := NewServer(config.ServerConfig{
		OpsAddress:      "127.0.0.1:0",
		GracefulTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go func() { _ = srv.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial ops server: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	check := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
		if err != nil {
			t.Fatalf("health check: %v", err)
		}
		if resp.Status != want {
			t.Fatalf("health status = %s, want %s", resp.Status, want)
		}
	}

	// The server must not advertise readiness before the pipeline runs.
	check(healthpb.HealthCheckResponse_NOT_SERVING)

	srv.SetReady(true)
	check(healthpb.HealthCheckResponse_SERVING)

	srv.SetReady(false)
	check(healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestServerRefusesBadAddress(t *testing.T) {
	if _, err := NewServer(config.ServerConfig{OpsAddress: "256.0.0.1:-1"}); err == nil {
		t.Fatal("expected listen error for invalid address")
	}
}
