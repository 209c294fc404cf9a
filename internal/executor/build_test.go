package executor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EnvZilla/envzilla/internal/engine"
)

func testBuilder(cfg BuildConfig) *Builder {
	return &Builder{
		Engine: &engine.Docker{Binary: "definitely-not-a-container-engine"},
		Config: cfg,
	}
}

// closedPort reserves a port and releases it so nothing answers there.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestWaitReadyBoundedByHealthTimeout(t *testing.T) {
	b := testBuilder(BuildConfig{
		ContainerHealthTimeout: 100 * time.Millisecond,
		ServiceReadyAttempts:   10000,
		ServiceReadyDelay:      10 * time.Millisecond,
	})

	start := time.Now()
	err := b.waitReady(context.Background(), "preview-1", closedPort(t))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error for unresponsive service")
	}
	// The attempt budget alone would run for over a minute; the health
	// timeout has to cut the wait short.
	if elapsed > 5*time.Second {
		t.Fatalf("waitReady ran %s past its timeout", elapsed)
	}
}

func TestWaitReadyAcceptsHTTPResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	port := ts.Listener.Addr().(*net.TCPAddr).Port

	b := testBuilder(BuildConfig{
		ContainerHealthTimeout: 10 * time.Second,
		ServiceReadyAttempts:   3,
		ServiceReadyDelay:      50 * time.Millisecond,
	})
	if err := b.waitReady(context.Background(), "preview-2", port); err != nil {
		t.Fatalf("waitReady: %v", err)
	}
}

func TestWaitReadyTreats5xxAsNotReady(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()
	port := ts.Listener.Addr().(*net.TCPAddr).Port

	b := testBuilder(BuildConfig{
		ContainerHealthTimeout: 500 * time.Millisecond,
		ServiceReadyAttempts:   2,
		ServiceReadyDelay:      10 * time.Millisecond,
	})
	if err := b.waitReady(context.Background(), "preview-3", port); err == nil {
		t.Fatal("expected error when the service only answers 5xx")
	}
}
