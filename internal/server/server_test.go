package server

import (
	"context"
	"net"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// testServer spins up an in-process gRPC server on a random port and returns its address.
func testServer(t *testing.T) (*Server, string) {
	t.Helper()

	srv := New(Config{Provider: "heuristic", ConfigHash: "abc"}, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)
	t.Cleanup(srv.GracefulStop)
	return srv, lis.Addr().String()
}

func TestCheckServing(t *testing.T) {
	_, addr := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := Check(ctx, addr)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", status)
	}
}

func TestSetServingFalse(t *testing.T) {
	srv, addr := testServer(t)
	srv.SetServing(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := Check(ctx, addr)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v", status)
	}
}

func TestCheckUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	lis.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Check(ctx, addr); err == nil {
		t.Fatal("expected error for closed port")
	}
}

func TestReloaded(t *testing.T) {
	srv := New(Config{ConfigHash: "one"}, nil)
	if srv.ConfigHash() != "one" {
		t.Fatalf("hash = %q", srv.ConfigHash())
	}
	srv.Reloaded("two")
	if srv.ConfigHash() != "two" {
		t.Fatalf("hash = %q", srv.ConfigHash())
	}
}
