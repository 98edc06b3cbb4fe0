package core

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersEveryCollectorWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatalf("expected a non-nil Metrics")
	}
	m.FramesIngested.Inc()
	if got := testutil.ToFloat64(m.FramesIngested); got != 1 {
		t.Fatalf("expected FramesIngested == 1, got %v", got)
	}
}

func TestMetricsStartServerExposesMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.FramesVerified.Inc()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := m.StartServer(addr)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx, srv); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
