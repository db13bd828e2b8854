package server

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/nbari/dbpulse/internal/metrics"
)

func TestServeMetrics(t *testing.T) {
	m := metrics.New()
	m.Pulse.Set(1)

	srv, err := New(m, "127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go srv.Serve()
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}
